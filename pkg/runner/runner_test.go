package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/ystartgo/iperfx/pkg/iperf"
	"github.com/ystartgo/iperfx/pkg/iperf/model"
	"github.com/ystartgo/iperfx/pkg/iperf/spec"
	"github.com/ystartgo/iperfx/pkg/results"
	"github.com/ystartgo/iperfx/pkg/runner"
)

// fakeBinary writes a shell script standing in for iperf3 and returns a
// Binary pointing at it.
func fakeBinary(t *testing.T, script string) *iperf.Binary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iperf3")
	rtx.Must(os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755), "cannot write fake binary")
	return &iperf.Binary{
		Path:     path,
		Version:  "iperf 3.16 (fake)",
		Features: iperf.Features{Bidir: true, JSONStream: true},
	}
}

func testConfig() iperf.Config {
	cfg := iperf.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Duration = 2 * time.Second
	return cfg
}

// countingEmitter records emitter callbacks for inspection.
type countingEmitter struct {
	mu       sync.Mutex
	started  int
	samples  []model.Sample
	complete int
	errors   []error
	debugs   int
}

func (e *countingEmitter) OnStart(*iperf.Binary, iperf.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
}

func (e *countingEmitter) OnSample(s model.Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, s)
}

func (e *countingEmitter) OnComplete(*results.TestResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.complete++
}

func (e *countingEmitter) OnError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, err)
}

func (e *countingEmitter) OnDebug(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.debugs++
}

func waitResult(t *testing.T, r *runner.Runner) *results.TestResult {
	t.Helper()
	done := make(chan *results.TestResult, 1)
	go func() { done <- r.Wait() }()
	select {
	case res := <-done:
		return res
	case <-time.After(15 * time.Second):
		t.Fatal("run did not reach a terminal state in time")
		return nil
	}
}

func TestRunner_CompletedRun(t *testing.T) {
	bin := fakeBinary(t, `
echo '{"event":"start","data":{"version":"iperf 3.16"}}'
echo '{"event":"interval","data":{"sum":{"start":0,"end":0.5,"bytes":625000,"bits_per_second":10000000}}}'
echo '{"event":"interval","data":{"sum":{"start":0.5,"end":1,"bytes":625000,"bits_per_second":10000000}}}'
echo '{"event":"end","data":{"sum_sent":{"bytes":1250000,"bits_per_second":10000000},"sum_received":{"bytes":1250000,"bits_per_second":10000000}}}'
`)
	em := &countingEmitter{}
	r := runner.New(testConfig(), em)
	r.Binary = bin

	live, err := r.Start(context.Background())
	rtx.Must(err, "start failed")
	var streamed []model.Sample
	for s := range live {
		streamed = append(streamed, s)
	}
	res := waitResult(t, r)

	if res.State != results.StateCompleted {
		t.Fatalf("unexpected state: %s (error: %s)", res.State, res.Error)
	}
	if r.State() != results.StateCompleted {
		t.Errorf("runner state does not match result state: %s", r.State())
	}
	if len(res.Samples) != 2 || len(streamed) != 2 || len(em.samples) != 2 {
		t.Fatalf("expected 2 samples everywhere, got result=%d live=%d emitter=%d",
			len(res.Samples), len(streamed), len(em.samples))
	}
	for i := 1; i < len(res.Samples); i++ {
		if res.Samples[i].End < res.Samples[i-1].End {
			t.Errorf("sample timestamps not monotonic: %v", res.Samples)
		}
	}
	if res.Summary.Computed {
		t.Error("summary should come from the end record, not be computed")
	}
	if res.Summary.SentBytes != 1250000 {
		t.Errorf("unexpected summary: %+v", res.Summary)
	}
	if res.ToolVersion != "iperf 3.16" {
		t.Errorf("unexpected tool version: %q", res.ToolVersion)
	}
	if res.ExitCode != 0 {
		t.Errorf("unexpected exit code: %d", res.ExitCode)
	}
	if em.started != 1 || em.complete != 1 {
		t.Errorf("unexpected emitter calls: started=%d complete=%d", em.started, em.complete)
	}
	if em.debugs == 0 {
		t.Error("expected the command line to be emitted as debug output")
	}
	if !strings.Contains(r.RawOutput(), `"event":"end"`) {
		t.Error("raw output does not contain the subprocess output")
	}
}

func TestRunner_Cancel(t *testing.T) {
	bin := fakeBinary(t, `
trap 'exit 0' TERM
echo '{"event":"interval","data":{"sum":{"start":0,"end":0.5,"bytes":625000,"bits_per_second":10000000}}}'
sleep 60 >/dev/null 2>&1 &
wait $!
`)
	em := &countingEmitter{}
	r := runner.New(testConfig(), em)
	r.Binary = bin

	live, err := r.Start(context.Background())
	rtx.Must(err, "start failed")

	// Wait for the first sample so the subprocess is known to be up,
	// then stop. Stop must be idempotent.
	select {
	case <-live:
	case <-time.After(10 * time.Second):
		t.Fatal("no sample before cancellation")
	}
	start := time.Now()
	r.Stop()
	r.Stop()
	res := waitResult(t, r)

	if res.State != results.StateCancelled {
		t.Fatalf("unexpected state: %s", res.State)
	}
	if elapsed := time.Since(start); elapsed > spec.GracefulStopTimeout+5*time.Second {
		t.Errorf("cancellation took too long: %s", elapsed)
	}
	if em.complete != 1 {
		t.Errorf("OnComplete called %d times", em.complete)
	}
	// No end record was seen: the summary is computed from the stream.
	if !res.Summary.Computed {
		t.Error("expected a computed summary")
	}
	if res.Summary.SentBytes != 625000 {
		t.Errorf("unexpected computed summary: %+v", res.Summary)
	}
}

func TestRunner_ContextCancel(t *testing.T) {
	bin := fakeBinary(t, `
trap 'exit 0' TERM
sleep 60 >/dev/null 2>&1 &
wait $!
`)
	r := runner.New(testConfig(), &countingEmitter{})
	r.Binary = bin

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Start(ctx)
	rtx.Must(err, "start failed")
	cancel()
	res := waitResult(t, r)
	if res.State != results.StateCancelled {
		t.Fatalf("unexpected state: %s", res.State)
	}
}

func TestRunner_SubprocessFailure(t *testing.T) {
	bin := fakeBinary(t, `
echo '{"event":"error","data":"unable to connect to server: Connection refused"}'
exit 1
`)
	r := runner.New(testConfig(), &countingEmitter{})
	r.Binary = bin

	_, err := r.Start(context.Background())
	rtx.Must(err, "start failed")
	res := waitResult(t, r)

	if res.State != results.StateFailed {
		t.Fatalf("unexpected state: %s", res.State)
	}
	if len(res.Samples) != 0 {
		t.Errorf("failed connect produced samples: %v", res.Samples)
	}
	if !strings.Contains(res.Error, "unable to connect") {
		t.Errorf("unexpected error: %q", res.Error)
	}
	if res.ExitCode != 1 {
		t.Errorf("unexpected exit code: %d", res.ExitCode)
	}
}

func TestRunner_StderrFailure(t *testing.T) {
	bin := fakeBinary(t, `
echo 'iperf3: unable to allocate buffers' >&2
exit 0
`)
	r := runner.New(testConfig(), &countingEmitter{})
	r.Binary = bin

	_, err := r.Start(context.Background())
	rtx.Must(err, "start failed")
	res := waitResult(t, r)
	if res.State != results.StateFailed {
		t.Fatalf("unexpected state: %s", res.State)
	}
	if !strings.Contains(res.Error, "unable to allocate") {
		t.Errorf("unexpected error: %q", res.Error)
	}
}

func TestRunner_LaunchFailure(t *testing.T) {
	t.Run("missing-binary", func(t *testing.T) {
		em := &countingEmitter{}
		r := runner.New(testConfig(), em)
		r.Binary = &iperf.Binary{Path: filepath.Join(t.TempDir(), "does-not-exist")}
		if _, err := r.Start(context.Background()); err == nil {
			t.Fatal("expected a launch error")
		}
		if r.State() != results.StateIdle {
			t.Errorf("launch failure left state %s", r.State())
		}
		if len(em.errors) != 1 {
			t.Errorf("expected the launch error to reach the emitter, got %v", em.errors)
		}
	})

	t.Run("invalid-config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Host = ""
		em := &countingEmitter{}
		r := runner.New(cfg, em)
		if _, err := r.Start(context.Background()); err == nil {
			t.Fatal("expected a validation error")
		}
		if r.State() != results.StateIdle {
			t.Errorf("validation failure left state %s", r.State())
		}
		if len(em.errors) != 1 {
			t.Errorf("expected the validation error to reach the emitter, got %v", em.errors)
		}
	})
}

func TestRunner_StopBeforeStart(t *testing.T) {
	// A Stop on an idle runner must not disarm cancellation: the run is
	// prevented from launching instead, so a subprocess can never
	// outlive the caller's intent to stop it.
	bin := fakeBinary(t, `
sleep 60 >/dev/null 2>&1 &
wait $!
`)
	r := runner.New(testConfig(), &countingEmitter{})
	r.Binary = bin

	r.Stop()
	r.Stop()
	if _, err := r.Start(context.Background()); err == nil {
		t.Fatal("expected Start to refuse after an idle Stop")
	}
	if r.State() != results.StateIdle {
		t.Errorf("unexpected state: %s", r.State())
	}
	// Still idempotent afterwards.
	r.Stop()
}

func TestRunner_CannotRestart(t *testing.T) {
	bin := fakeBinary(t, `exit 0`)
	r := runner.New(testConfig(), &countingEmitter{})
	r.Binary = bin
	_, err := r.Start(context.Background())
	rtx.Must(err, "start failed")
	waitResult(t, r)
	if _, err := r.Start(context.Background()); err == nil {
		t.Error("expected an error when starting a finished runner")
	}
}
