// Package runner manages the lifecycle of one iperf3 subprocess: launch,
// streaming output parse, cancellation and result collection.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ystartgo/iperfx/internal/metrics"
	"github.com/ystartgo/iperfx/pkg/iperf"
	"github.com/ystartgo/iperfx/pkg/iperf/model"
	"github.com/ystartgo/iperfx/pkg/iperf/spec"
	"github.com/ystartgo/iperfx/pkg/results"
)

// scannerBufferSize bounds a single output line. A pretty-printed -J
// document is split across lines, so lines stay small, but a misbehaving
// tool should not be able to make us buffer without limit.
const scannerBufferSize = 1 << 20

// Runner executes a single run. A Runner cannot be reused: a new run
// needs a new Runner, which discards the previous run's samples.
//
// State machine: idle -> running -> (completed | cancelled | failed).
// Cancellation wins over failure, and is entered exactly once no matter
// how many times Stop is called.
type Runner struct {
	// Binary may be set before Start to skip discovery. If nil, Start
	// locates iperf3 via iperf.Find.
	Binary *iperf.Binary

	config  iperf.Config
	emitter Emitter

	mu    sync.Mutex
	state results.RunState

	cmd        *exec.Cmd
	cancelProc context.CancelFunc
	// stopped records a Stop during the run; preStopped records a Stop
	// before Start, which keeps the run from ever launching.
	stopped    bool
	preStopped bool

	parser  *iperf.Parser
	raw     strings.Builder
	stderr  strings.Builder
	samples []model.Sample

	// live is the best-effort channel returned by Start. Sends never
	// block the reader: a slow consumer misses samples instead of
	// stalling the subprocess pipe.
	live chan model.Sample

	result  *results.TestResult
	waitErr error
	done    chan struct{}
}

// New returns an idle Runner for the given configuration.
func New(config iperf.Config, emitter Emitter) *Runner {
	return &Runner{
		config:  config,
		emitter: emitter,
		state:   results.StateIdle,
		parser:  iperf.NewParser(),
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() results.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s results.RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start validates the configuration, launches the subprocess and starts
// the background read loop. It returns a channel carrying parsed samples
// for live consumers; the channel is closed when the run ends.
//
// A validation or launch error is returned immediately and leaves the
// Runner idle: nothing is recorded for a run that never started.
// Cancelling ctx stops the run the same way Stop does.
func (r *Runner) Start(ctx context.Context) (<-chan model.Sample, error) {
	r.mu.Lock()
	idle := r.state == results.StateIdle
	preStopped := r.preStopped
	r.mu.Unlock()
	if !idle {
		return nil, fmt.Errorf("runner already started")
	}
	if preStopped {
		return nil, fmt.Errorf("runner stopped before start")
	}
	if err := r.config.Validate(); err != nil {
		err = fmt.Errorf("invalid configuration: %w", err)
		r.emitter.OnError(err)
		return nil, err
	}
	binary := r.Binary
	if binary == nil {
		var err error
		binary, err = iperf.Find()
		if err != nil {
			r.emitter.OnError(err)
			return nil, err
		}
	}

	args := r.config.Args(binary.Features)
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, binary.Path, args...)
	// On cancellation, ask the process to exit gracefully first.
	// WaitDelay forces a kill if it ignores the signal.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = spec.GracefulStopTimeout
	cmd.Stderr = &r.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		r.emitter.OnError(err)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		err = fmt.Errorf("launching %s: %w", binary.Path, err)
		r.emitter.OnError(err)
		return nil, err
	}

	r.cmd = cmd
	r.cancelProc = cancel
	r.result = results.NewTestResult(uuid.NewString(), r.config)
	r.result.StartTime = time.Now()
	r.result.Command = append([]string{binary.Path}, args...)
	r.result.ToolVersion = binary.Version
	r.live = make(chan model.Sample, 128)

	// A Stop that raced the launch is honored now that the subprocess
	// exists: the run comes up already cancelled.
	r.mu.Lock()
	r.state = results.StateRunning
	raced := r.preStopped
	if raced {
		r.stopped = true
	}
	r.mu.Unlock()
	if raced {
		cancel()
	}

	metrics.RunsStarted.Inc()
	log.Info("run started", "id", r.result.RunID, "command", strings.Join(r.result.Command, " "))
	r.emitter.OnDebug("exec: " + strings.Join(r.result.Command, " "))
	r.emitter.OnStart(binary, r.config)

	go func() {
		r.readLoop(stdout)
		r.waitErr = cmd.Wait()
		r.finalize(procCtx)
	}()
	return r.live, nil
}

// Stop requests graceful termination of the subprocess: SIGTERM first,
// then a forced kill after the stop timeout. It is idempotent and safe
// to call from any goroutine at any point in the lifecycle: before Start
// it prevents the run from launching, during the run it cancels it, and
// after the run it is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	switch {
	case r.state == results.StateIdle:
		r.preStopped = true
		r.mu.Unlock()
	case r.state == results.StateRunning && !r.stopped:
		r.stopped = true
		cancel := r.cancelProc
		id := r.result.RunID
		r.mu.Unlock()
		log.Info("stopping run", "id", id)
		cancel()
	default:
		r.mu.Unlock()
	}
}

// Wait blocks until the run reaches a terminal state and returns its
// result. It must only be called after a successful Start.
func (r *Runner) Wait() *results.TestResult {
	<-r.done
	return r.result
}

// RawOutput returns the subprocess's raw output, for the text artifact.
// Only valid after Wait has returned.
func (r *Runner) RawOutput() string {
	return r.raw.String()
}

// readLoop consumes the subprocess's stdout line by line until EOF,
// feeding the parser and forwarding samples to the emitter and the live
// channel. It runs on its own goroutine so that waiting on subprocess
// I/O never blocks the caller.
func (r *Runner) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)
	for sc.Scan() {
		line := sc.Text()
		r.raw.WriteString(line)
		r.raw.WriteByte('\n')
		for _, s := range r.parser.Line(line) {
			r.deliver(s)
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("output read error", "err", err)
	}
	for _, s := range r.parser.Flush() {
		r.deliver(s)
	}
}

// deliver forwards one parsed sample to the result, the emitter and the
// live channel. The live send never blocks the reader.
func (r *Runner) deliver(s model.Sample) {
	metrics.SamplesParsed.Inc()
	r.samples = append(r.samples, s)
	r.emitter.OnSample(s)
	select {
	case r.live <- s:
	default:
	}
}

// finalize collects the run result and transitions to the terminal
// state. Reached exactly once, after the subprocess has exited and the
// output has been fully drained.
func (r *Runner) finalize(procCtx context.Context) {
	res := r.result
	res.EndTime = time.Now()
	res.Samples = r.samples
	res.ToolVersion = firstNonEmpty(r.parser.ToolVersion(), res.ToolVersion)
	_, res.MalformedLines = r.parser.Counts()
	metrics.MalformedLines.Add(float64(res.MalformedLines))

	if summary, ok := r.parser.Summary(); ok {
		res.Summary = summary
	} else {
		res.ComputeSummary()
	}
	res.ExitCode = -1
	if ps := r.cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
	}

	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()

	switch {
	case stopped || procCtx.Err() != nil:
		res.State = results.StateCancelled
	case r.parser.RunError() != "":
		res.State = results.StateFailed
		res.Error = r.parser.RunError()
	case r.waitErr != nil:
		res.State = results.StateFailed
		res.Error = firstNonEmpty(strings.TrimSpace(r.stderr.String()), r.waitErr.Error())
	case strings.TrimSpace(r.stderr.String()) != "":
		res.State = results.StateFailed
		res.Error = strings.TrimSpace(r.stderr.String())
	default:
		res.State = results.StateCompleted
	}
	r.setState(res.State)
	r.cancelProc()
	metrics.RunsEnded.WithLabelValues(string(res.State)).Inc()
	log.Info("run ended", "id", res.RunID, "state", res.State,
		"samples", len(res.Samples), "exit", res.ExitCode)

	close(r.live)
	r.emitter.OnComplete(res)
	close(r.done)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
