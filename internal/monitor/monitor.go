// Package monitor serves a live view of the active run over HTTP: a
// WebSocket sample stream for renderers and a JSON list of recently
// completed results.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/ystartgo/iperfx/pkg/iperf/model"
	"github.com/ystartgo/iperfx/pkg/results"
)

const (
	// LivePath streams samples of the active run over WebSocket.
	LivePath = "/iperfx/v1/live"
	// RunsPath lists recently completed runs as JSON.
	RunsPath = "/iperfx/v1/runs"

	// viewerBuffer is the per-viewer send queue. A viewer that falls
	// this far behind is disconnected rather than allowed to block or
	// skew the stream for others.
	viewerBuffer = 64

	writeTimeout = 5 * time.Second
)

// Monitor broadcasts run samples to WebSocket viewers and caches recent
// results for the duration of their TTL.
type Monitor struct {
	recent   *ttlcache.Cache[string, *results.TestResult]
	upgrader websocket.Upgrader

	mu        sync.Mutex
	viewers   map[chan model.Sample]struct{}
	closeOnce sync.Once
}

// New returns a Monitor keeping completed results for resultTTL.
func New(resultTTL time.Duration) *Monitor {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *results.TestResult](resultTTL),
		ttlcache.WithDisableTouchOnHit[string, *results.TestResult](),
	)
	go cache.Start()
	return &Monitor{
		recent: cache,
		upgrader: websocket.Upgrader{
			// The monitor is a local observability endpoint; viewers
			// may be served to a browser from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: map[chan model.Sample]struct{}{},
	}
}

// Handler returns the monitor's HTTP routes.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(LivePath, m.live)
	mux.HandleFunc(RunsPath, m.runs)
	return mux
}

// Publish forwards one sample to every connected viewer. Sends never
// block: a viewer whose queue is full is dropped.
func (m *Monitor) Publish(s model.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.viewers {
		select {
		case ch <- s:
		default:
			delete(m.viewers, ch)
			close(ch)
		}
	}
}

// RecordResult adds a terminal run result to the recent-runs cache.
func (m *Monitor) RecordResult(r *results.TestResult) {
	m.recent.Set(r.RunID, r, ttlcache.DefaultTTL)
}

// Close disconnects all viewers and stops the cache's expiry loop. It
// is safe to call more than once.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		for ch := range m.viewers {
			delete(m.viewers, ch)
			close(ch)
		}
		m.mu.Unlock()
		m.recent.Stop()
	})
}

func (m *Monitor) live(rw http.ResponseWriter, req *http.Request) {
	conn, err := m.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "err", err)
		return
	}

	ch := make(chan model.Sample, viewerBuffer)
	m.mu.Lock()
	m.viewers[ch] = struct{}{}
	m.mu.Unlock()
	log.Debug("viewer connected", "remote", req.RemoteAddr)

	defer func() {
		m.mu.Lock()
		if _, ok := m.viewers[ch]; ok {
			delete(m.viewers, ch)
			close(ch)
		}
		m.mu.Unlock()
		conn.Close()
	}()

	for s := range ch {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(s); err != nil {
			log.Debug("viewer write failed", "remote", req.RemoteAddr, "err", err)
			return
		}
	}
	// Channel closed: the run ended or the viewer fell behind.
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func (m *Monitor) runs(rw http.ResponseWriter, req *http.Request) {
	// Encodes as [] rather than null when the cache is empty.
	out := []*results.TestResult{}
	for _, item := range m.recent.Items() {
		out = append(out, item.Value())
	}
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(out); err != nil {
		log.Debug("encoding recent runs failed", "err", err)
	}
}
