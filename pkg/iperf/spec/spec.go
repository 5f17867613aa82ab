// Package spec contains constants for driving the iperf3 tool.
package spec

import "time"

const (
	// DefaultPort is the port iperf3 listens on when none is configured.
	DefaultPort = 5201

	// DefaultDuration is the default length of a client test.
	DefaultDuration = 10 * time.Second

	// DefaultReportInterval is the interval between periodic reports
	// requested from iperf3 (-i). Half-second reports keep the live view
	// responsive without flooding the parser.
	DefaultReportInterval = 500 * time.Millisecond

	// MinPort and MaxPort bound the configurable server port.
	MinPort = 1
	MaxPort = 65535

	// GracefulStopTimeout is how long to wait for iperf3 to exit after
	// SIGTERM before killing it.
	GracefulStopTimeout = 5 * time.Second

	// DrainTimeout is how long to wait for the output reader to finish
	// after the subprocess has exited.
	DrainTimeout = 2 * time.Second

	// BinaryName is the name of the external tool, resolved via PATH or
	// next to the running executable.
	BinaryName = "iperf3"
)

// Role selects the iperf3 role for a run.
type Role string

const (
	// RoleClient runs iperf3 as a client (-c).
	RoleClient = Role("client")

	// RoleServer runs iperf3 as a server (-s).
	RoleServer = Role("server")
)

// Protocol selects the transport protocol for a client run.
type Protocol string

const (
	// ProtocolTCP is the default iperf3 transport.
	ProtocolTCP = Protocol("tcp")

	// ProtocolUDP requests UDP (-u).
	ProtocolUDP = Protocol("udp")
)

// Series identifies the measurement series a sample belongs to. A
// unidirectional run produces only SeriesDefault; a bidirectional run
// produces SeriesSent and SeriesReceived.
type Series string

const (
	SeriesDefault  = Series("default")
	SeriesSent     = Series("sent")
	SeriesReceived = Series("received")
)
