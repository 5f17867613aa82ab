// Package iperf locates the external iperf3 binary and builds its
// command line from a test configuration.
//
// iperf3 is treated as an opaque collaborator: this package knows how to
// invoke it and how to read its output (see parser.go), nothing more.
package iperf

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ystartgo/iperfx/pkg/iperf/spec"
)

// ErrNotFound is returned when no working iperf3 binary could be located.
var ErrNotFound = errors.New("iperf3 binary not found")

// Config is the full set of parameters controlling one run. It is
// serialized as JSON to the last-used configuration file.
type Config struct {
	// Role selects client or server mode.
	Role spec.Role `json:"role"`

	// Host is the server to connect to. Client role only.
	Host string `json:"host"`

	// Port is the server port (-p).
	Port int `json:"port"`

	// Duration is the length of a client test (-t).
	Duration time.Duration `json:"duration"`

	// Protocol selects TCP or UDP.
	Protocol spec.Protocol `json:"protocol"`

	// Parallel is the number of parallel streams (-P).
	Parallel int `json:"parallel"`

	// Bidirectional runs the test in both directions at once (--bidir).
	Bidirectional bool `json:"bidirectional"`

	// Reverse makes the server send and the client receive (-R).
	Reverse bool `json:"reverse"`

	// Bandwidth is the target bitrate passed to -b, in iperf3 notation
	// (e.g. "100M"). Empty means unlimited.
	Bandwidth string `json:"bandwidth"`

	// ReportInterval is the periodic report interval (-i).
	ReportInterval time.Duration `json:"report_interval"`

	// ExtraArgs are appended verbatim to the iperf3 command line.
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// DefaultConfig returns the configuration used when no last-used
// configuration file exists yet.
func DefaultConfig() Config {
	return Config{
		Role:           spec.RoleClient,
		Host:           "localhost",
		Port:           spec.DefaultPort,
		Duration:       spec.DefaultDuration,
		Protocol:       spec.ProtocolTCP,
		Parallel:       1,
		ReportInterval: spec.DefaultReportInterval,
	}
}

// Validate checks the configuration before a run is launched.
func (c *Config) Validate() error {
	switch c.Role {
	case spec.RoleClient:
		if c.Host == "" {
			return errors.New("client role requires a host")
		}
	case spec.RoleServer:
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}
	if c.Port < spec.MinPort || c.Port > spec.MaxPort {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Role == spec.RoleClient && c.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if c.ReportInterval <= 0 {
		return errors.New("report interval must be positive")
	}
	if c.Parallel < 1 {
		return errors.New("parallel stream count must be at least 1")
	}
	if c.Protocol != spec.ProtocolTCP && c.Protocol != spec.ProtocolUDP {
		return fmt.Errorf("invalid protocol: %q", c.Protocol)
	}
	return nil
}

// Features describes optional iperf3 capabilities detected from the
// installed binary. Older releases lack --bidir and --json-stream.
type Features struct {
	Bidir      bool
	JSONStream bool
}

// Binary is a located iperf3 executable.
type Binary struct {
	// Path is the absolute or PATH-relative path used to invoke iperf3.
	Path string
	// Version is the first line of `iperf3 --version` output.
	Version string
	// Features are the capabilities detected from `iperf3 --help`.
	Features Features
}

// Find locates a working iperf3 binary. It checks the directory of the
// running executable first, then the system PATH, probing each candidate
// with --version.
func Find() (*Binary, error) {
	var candidates []string
	if self, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(self), spec.BinaryName))
	}
	if p, err := exec.LookPath(spec.BinaryName); err == nil {
		candidates = append(candidates, p)
	}

	for _, path := range candidates {
		out, err := exec.Command(path, "--version").Output()
		if err != nil {
			continue
		}
		version, _, _ := strings.Cut(string(out), "\n")
		return &Binary{
			Path:     path,
			Version:  strings.TrimSpace(version),
			Features: detectFeatures(path),
		}, nil
	}
	return nil, ErrNotFound
}

// detectFeatures greps the help output for optional flags, the same way
// feature support is usually probed for this tool. Errors degrade to
// "not supported" rather than failing the run.
func detectFeatures(path string) Features {
	out, err := exec.Command(path, "--help").CombinedOutput()
	if err != nil && len(out) == 0 {
		return Features{}
	}
	help := string(out)
	return Features{
		Bidir:      strings.Contains(help, "--bidir"),
		JSONStream: strings.Contains(help, "--json-stream"),
	}
}

// Args builds the iperf3 command line for this configuration. The
// features of the target binary decide between --bidir and the legacy
// -d flag, and whether streaming JSON output can be requested.
func (c *Config) Args(features Features) []string {
	var args []string
	if c.Role == spec.RoleServer {
		args = append(args, "-s")
	} else {
		args = append(args, "-c", c.Host)
		args = append(args, "-t", fmt.Sprintf("%d", int(c.Duration.Seconds())))
	}
	args = append(args, "-p", fmt.Sprintf("%d", c.Port))
	args = append(args, "-i", fmt.Sprintf("%g", c.ReportInterval.Seconds()))

	if features.JSONStream {
		args = append(args, "--json-stream")
	} else {
		args = append(args, "--forceflush")
	}

	if c.Role == spec.RoleClient {
		if c.Protocol == spec.ProtocolUDP {
			args = append(args, "-u")
		}
		if c.Parallel > 1 {
			args = append(args, "-P", fmt.Sprintf("%d", c.Parallel))
		}
		if c.Bidirectional {
			if features.Bidir {
				args = append(args, "--bidir")
			} else {
				args = append(args, "-d")
			}
		}
		if c.Reverse {
			args = append(args, "-R")
		}
		if c.Bandwidth != "" {
			args = append(args, "-b", c.Bandwidth)
		}
	}

	return append(args, c.ExtraArgs...)
}
