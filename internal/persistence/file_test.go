package persistence_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/ystartgo/iperfx/internal/persistence"
	"github.com/ystartgo/iperfx/pkg/iperf"
	"github.com/ystartgo/iperfx/pkg/iperf/model"
	"github.com/ystartgo/iperfx/pkg/results"
)

func testResult() *results.TestResult {
	r := results.NewTestResult("fake-run-id", iperf.DefaultConfig())
	r.StartTime = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r.EndTime = r.StartTime.Add(10 * time.Second)
	r.State = results.StateCompleted
	r.Samples = []model.Sample{
		{Series: "default", Start: 0, End: 0.5, Bytes: 625000, BitsPerSecond: 1e7},
	}
	return r
}

func TestStore_WriteRun(t *testing.T) {
	datadir := t.TempDir()
	store := persistence.NewStore(datadir)
	res := testResult()

	set, err := store.WriteRun(res, "raw output\n", []byte("png-bytes"))
	rtx.Must(err, "WriteRun failed")

	wantDir := filepath.Join(datadir, "2026/08/30")
	for _, p := range []string{set.TextPath, set.JSONPath, set.ChartPath} {
		if filepath.Dir(p) != wantDir {
			t.Errorf("artifact outside date directory: %s", p)
		}
		if !strings.Contains(filepath.Base(p), "fake-run-id") {
			t.Errorf("artifact name missing run ID: %s", p)
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing artifact: %v", err)
		}
	}

	content, err := os.ReadFile(set.TextPath)
	rtx.Must(err, "cannot read text artifact")
	if string(content) != "raw output\n" {
		t.Errorf("unexpected text artifact: %q", content)
	}

	data, err := os.ReadFile(set.JSONPath)
	rtx.Must(err, "cannot read JSON artifact")
	var restored results.TestResult
	rtx.Must(json.Unmarshal(data, &restored), "cannot decode JSON artifact")
	if restored.RunID != res.RunID || restored.State != res.State ||
		len(restored.Samples) != len(res.Samples) {
		t.Errorf("JSON artifact does not round-trip: %+v", restored)
	}

	// No staging leftovers.
	entries, err := os.ReadDir(wantDir)
	rtx.Must(err, "cannot list date directory")
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("staging file left behind: %s", e.Name())
		}
	}
}

func TestStore_WriteRunAtomicity(t *testing.T) {
	t.Run("unwritable-datadir", func(t *testing.T) {
		// A datadir that is a regular file makes MkdirAll fail before
		// anything is staged.
		file := filepath.Join(t.TempDir(), "not-a-dir")
		rtx.Must(os.WriteFile(file, []byte("x"), 0644), "cannot write blocker file")
		if _, err := persistence.NewStore(file).WriteRun(testResult(), "", nil); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("rename-failure-rolls-back", func(t *testing.T) {
		datadir := t.TempDir()
		store := persistence.NewStore(datadir)
		res := testResult()

		// Block the chart's final path with a directory: the first two
		// renames succeed, the third fails, and the whole set must be
		// rolled back.
		dir := filepath.Join(datadir, "2026/08/30")
		rtx.Must(os.MkdirAll(dir, 0755), "cannot create date dir")
		chartPath := filepath.Join(dir, "iperfx-client-20260830T120000.fake-run-id.png")
		rtx.Must(os.MkdirAll(chartPath, 0755), "cannot create blocker dir")

		if _, err := store.WriteRun(res, "raw", []byte("png")); err == nil {
			t.Fatal("expected an error")
		}
		entries, err := os.ReadDir(dir)
		rtx.Must(err, "cannot list date directory")
		for _, e := range entries {
			if !e.IsDir() {
				t.Errorf("partial artifact left behind: %s", e.Name())
			}
		}
	})
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	t.Run("missing-file-returns-defaults", func(t *testing.T) {
		cfg, err := persistence.LoadConfig(path)
		rtx.Must(err, "missing file must not be an error")
		if !reflect.DeepEqual(cfg, iperf.DefaultConfig()) {
			t.Errorf("unexpected defaults: %+v", cfg)
		}
	})

	t.Run("round-trip", func(t *testing.T) {
		cfg := iperf.DefaultConfig()
		cfg.Host = "192.0.2.1"
		cfg.Parallel = 8
		cfg.Bidirectional = true
		rtx.Must(persistence.SaveConfig(path, cfg), "SaveConfig failed")

		loaded, err := persistence.LoadConfig(path)
		rtx.Must(err, "LoadConfig failed")
		if !reflect.DeepEqual(loaded, cfg) {
			t.Errorf("config did not round-trip: %+v != %+v", loaded, cfg)
		}
	})

	t.Run("corrupt-file-falls-back", func(t *testing.T) {
		rtx.Must(os.WriteFile(path, []byte("{not json"), 0644), "cannot corrupt file")
		cfg, err := persistence.LoadConfig(path)
		if err == nil {
			t.Error("expected an error for a corrupt file")
		}
		if !reflect.DeepEqual(cfg, iperf.DefaultConfig()) {
			t.Errorf("corrupt file did not fall back to defaults: %+v", cfg)
		}
	})
}
