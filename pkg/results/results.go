// Package results defines the archival record of an iperf3 run.
package results

import (
	"time"

	"github.com/m-lab/go/prometheusx"
	"github.com/ystartgo/iperfx/pkg/iperf"
	"github.com/ystartgo/iperfx/pkg/iperf/model"
	"github.com/ystartgo/iperfx/pkg/iperf/spec"
)

// RunState is the lifecycle state of a run. A run moves from StateIdle to
// StateRunning and then to exactly one of the terminal states.
type RunState string

const (
	StateIdle      = RunState("idle")
	StateRunning   = RunState("running")
	StateCompleted = RunState("completed")
	StateCancelled = RunState("cancelled")
	StateFailed    = RunState("failed")
)

// Terminal reports whether the state ends a run.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// TestResult is the struct that is serialized as JSON to disk as the
// archival record of a run. It aggregates everything parsed from the
// subprocess plus the configuration that produced it.
type TestResult struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string

	// RunID is the unique ID for this run.
	RunID string
	// State is the terminal state the run ended in.
	State RunState
	// StartTime is the time the subprocess was launched.
	StartTime time.Time
	// EndTime is the time the subprocess exited.
	EndTime time.Time

	// Config is the configuration this run was launched with.
	Config iperf.Config
	// Command is the full iperf3 command line.
	Command []string
	// ToolVersion is the version string reported by the iperf3 binary.
	ToolVersion string `json:",omitempty"`

	// Samples are the periodic readings parsed from the output stream,
	// in input order.
	Samples []model.Sample
	// Summary is the end-of-run aggregate. When iperf3 exited without
	// reporting one (crash, cancellation), it is computed from Samples
	// and marked as such.
	Summary model.Summary

	// Error describes why the run failed. Empty unless State is
	// StateFailed.
	Error string `json:",omitempty"`
	// ExitCode is the subprocess exit code, or -1 if it was killed.
	ExitCode int
	// MalformedLines counts output lines skipped by the parser.
	MalformedLines int `json:",omitempty"`
}

// NewTestResult returns a TestResult for the given run ID and
// configuration, stamped with the running code's version.
func NewTestResult(runID string, config iperf.Config) *TestResult {
	return &TestResult{
		GitShortCommit: prometheusx.GitShortCommit,
		RunID:          runID,
		State:          StateRunning,
		Config:         config,
	}
}

// ComputeSummary fills in Summary from Samples for runs that ended
// without an end-of-run report. Default-series samples contribute to both
// sides; sent/received series contribute to their own side only.
func (r *TestResult) ComputeSummary() {
	var s model.Summary
	s.Computed = true
	var sentSeconds, recvSeconds float64
	for _, sample := range r.Samples {
		d := sample.End - sample.Start
		switch sample.Series {
		case spec.SeriesSent:
			s.SentBytes += sample.Bytes
			sentSeconds += d
		case spec.SeriesReceived:
			s.ReceivedBytes += sample.Bytes
			recvSeconds += d
		default:
			s.SentBytes += sample.Bytes
			s.ReceivedBytes += sample.Bytes
			sentSeconds += d
			recvSeconds += d
		}
	}
	if sentSeconds > 0 {
		s.SentBitsPerSecond = float64(s.SentBytes) * 8 / sentSeconds
	}
	if recvSeconds > 0 {
		s.ReceivedBitsPerSecond = float64(s.ReceivedBytes) * 8 / recvSeconds
	}
	r.Summary = s
}
