package runner

import (
	"fmt"

	"github.com/ystartgo/iperfx/pkg/iperf"
	"github.com/ystartgo/iperfx/pkg/iperf/model"
	"github.com/ystartgo/iperfx/pkg/iperf/spec"
	"github.com/ystartgo/iperfx/pkg/results"
)

// Emitter is an interface for emitting the progress and result of a run.
type Emitter interface {
	// OnStart is called when the subprocess has been launched.
	OnStart(binary *iperf.Binary, config iperf.Config)
	// OnSample is called on every parsed Sample, in input order.
	OnSample(s model.Sample)
	// OnComplete is called once the run reaches a terminal state.
	OnComplete(r *results.TestResult)
	// OnError is called on launch errors, before Start returns them.
	// Failures of a running subprocess are reported via OnComplete.
	OnError(err error)
	// OnDebug is called to print debug information, such as the full
	// subprocess command line.
	OnDebug(msg string)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnStart prints the role, target and tool version before the run.
func (HumanReadable) OnStart(binary *iperf.Binary, config iperf.Config) {
	if config.Role == spec.RoleServer {
		fmt.Printf("Starting %s server on port %d\n", binary.Version, config.Port)
		return
	}
	fmt.Printf("Starting %s client: %s:%d, %s, %d stream(s), %.0fs\n",
		binary.Version, config.Host, config.Port, config.Protocol,
		config.Parallel, config.Duration.Seconds())
}

// OnSample prints one interval reading.
func (HumanReadable) OnSample(s model.Sample) {
	label := ""
	if s.Series != spec.SeriesDefault {
		label = " (" + string(s.Series) + ")"
	}
	fmt.Printf("%6.2f-%-6.2f sec  %8.2f Mbit/s%s\n", s.Start, s.End, s.Mbps(), label)
}

// OnComplete prints the terminal state and the aggregate summary.
func (HumanReadable) OnComplete(r *results.TestResult) {
	fmt.Println()
	fmt.Printf("Run %s %s after %.1fs\n", r.RunID, r.State,
		r.EndTime.Sub(r.StartTime).Seconds())
	if r.Error != "" {
		fmt.Printf("  error: %s\n", r.Error)
	}
	fmt.Printf("  sent: %.2f Mbit/s (%d bytes), received: %.2f Mbit/s (%d bytes)\n",
		r.Summary.SentBitsPerSecond/1e6, r.Summary.SentBytes,
		r.Summary.ReceivedBitsPerSecond/1e6, r.Summary.ReceivedBytes)
	if r.Summary.JitterMs > 0 || r.Summary.LostPackets > 0 {
		fmt.Printf("  jitter: %.3fms, lost: %d (%.2f%%)\n",
			r.Summary.JitterMs, r.Summary.LostPackets, r.Summary.LostPercent)
	}
	if r.MalformedLines > 0 {
		fmt.Printf("  skipped %d malformed output line(s)\n", r.MalformedLines)
	}
}

// OnError is called on errors.
func (HumanReadable) OnError(err error) {
	fmt.Println(err)
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}
