package monitor_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"
	"github.com/ystartgo/iperfx/internal/monitor"
	"github.com/ystartgo/iperfx/pkg/iperf"
	"github.com/ystartgo/iperfx/pkg/iperf/model"
	"github.com/ystartgo/iperfx/pkg/iperf/spec"
	"github.com/ystartgo/iperfx/pkg/results"
)

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestMonitor_Live(t *testing.T) {
	m := monitor.New(time.Minute)
	defer m.Close()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, monitor.LivePath), nil)
	rtx.Must(err, "cannot connect to live endpoint")
	defer conn.Close()

	first := model.Sample{Series: spec.SeriesDefault, End: 0.5, BitsPerSecond: 1e7}
	second := model.Sample{Series: spec.SeriesDefault, End: 1.0, BitsPerSecond: 2e7}

	// The viewer is registered after the upgrade completes, so keep
	// publishing until the first sample comes through.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				m.Publish(first)
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	var got model.Sample
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	rtx.Must(conn.ReadJSON(&got), "cannot read first sample")
	close(stop)
	<-done
	if got.End != first.End || got.BitsPerSecond != first.BitsPerSecond {
		t.Errorf("unexpected first sample: %+v", got)
	}

	// Drain any queued duplicates of the first sample, then expect the
	// second one.
	m.Publish(second)
	found := false
	for i := 0; i < 256 && !found; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		rtx.Must(conn.ReadJSON(&got), "cannot read sample")
		found = got.End == second.End
	}
	if !found {
		t.Fatal("second sample never arrived")
	}

	// Closing the monitor ends the stream with a normal closure.
	m.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&got); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected a normal closure, got: %v", err)
	}
}

func TestMonitor_Runs(t *testing.T) {
	m := monitor.New(time.Minute)
	defer m.Close()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	// An empty cache lists as [], not null.
	empty, err := http.Get(srv.URL + monitor.RunsPath)
	rtx.Must(err, "cannot fetch empty runs list")
	body, err := io.ReadAll(empty.Body)
	empty.Body.Close()
	rtx.Must(err, "cannot read empty runs list")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty runs list should encode as []: %q", body)
	}

	res := results.NewTestResult("fake-run-id", iperf.DefaultConfig())
	res.State = results.StateCompleted
	m.RecordResult(res)

	resp, err := http.Get(srv.URL + monitor.RunsPath)
	rtx.Must(err, "cannot fetch runs list")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var runs []*results.TestResult
	rtx.Must(json.NewDecoder(resp.Body).Decode(&runs), "cannot decode runs list")
	if len(runs) != 1 || runs[0].RunID != "fake-run-id" ||
		runs[0].State != results.StateCompleted {
		t.Errorf("unexpected runs list: %+v", runs)
	}
}
