// Package persistence writes run artifacts and the last-used
// configuration to disk.
//
// Every run that reaches a terminal state produces one artifact set: the
// raw subprocess output as text, the archival record as JSON and the
// throughput chart as PNG. The set is written all-or-nothing: files are
// staged under temporary names in the target directory and renamed into
// place only once every write has succeeded, so an interrupted write
// never leaves a partial artifact at a final path.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/ystartgo/iperfx/pkg/iperf"
	"github.com/ystartgo/iperfx/pkg/results"
)

// ArtifactSet lists the final paths of one run's persisted artifacts.
type ArtifactSet struct {
	TextPath  string `json:"text_path"`
	JSONPath  string `json:"json_path"`
	ChartPath string `json:"chart_path"`
}

// Store writes run artifacts under a data directory, one subdirectory
// per day.
type Store struct {
	DataDir string
}

// NewStore returns a Store rooted at datadir.
func NewStore(datadir string) *Store {
	return &Store{DataDir: datadir}
}

// WriteRun persists one run: raw text output, archival JSON record and
// chart image. On any error, every staged file is removed and nothing
// appears at the final paths; the caller keeps the in-memory result and
// may retry.
func (s *Store) WriteRun(result *results.TestResult, rawText string, chartPNG []byte) (*ArtifactSet, error) {
	dir := path.Join(s.DataDir, result.StartTime.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	base := fmt.Sprintf("iperfx-%s-%s.%s", result.Config.Role,
		result.StartTime.Format("20060102T150405"), result.RunID)

	record, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, err
	}

	set := &ArtifactSet{
		TextPath:  path.Join(dir, base+".txt"),
		JSONPath:  path.Join(dir, base+".json"),
		ChartPath: path.Join(dir, base+".png"),
	}
	files := []struct {
		path string
		data []byte
	}{
		{set.TextPath, []byte(rawText)},
		{set.JSONPath, record},
		{set.ChartPath, chartPNG},
	}

	var staged []string
	cleanup := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}
	for _, f := range files {
		tmp := f.path + ".tmp"
		if err := os.WriteFile(tmp, f.data, 0644); err != nil {
			cleanup()
			return nil, err
		}
		staged = append(staged, tmp)
	}
	// All writes succeeded: move everything into place.
	for i, f := range files {
		if err := os.Rename(staged[i], f.path); err != nil {
			// Roll back the renames done so far, then the remaining
			// staged files.
			for j := 0; j < i; j++ {
				os.Remove(files[j].path)
			}
			cleanup()
			return nil, err
		}
	}
	return set, nil
}

// DefaultConfigDir returns the per-user configuration directory for this
// tool, creating it if needed.
func DefaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "iperfx")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// LoadConfig reads the last-used configuration from path. A missing file
// is not an error: the defaults are returned so first runs work without
// any prior state. A corrupt file falls back to defaults, too.
func LoadConfig(path string) (iperf.Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return iperf.DefaultConfig(), nil
	}
	if err != nil {
		return iperf.DefaultConfig(), err
	}
	cfg := iperf.DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return iperf.DefaultConfig(), err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as the new last-used configuration,
// atomically (write-then-rename).
func SaveConfig(path string, cfg iperf.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
