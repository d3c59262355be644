// Package track is a small local experiment tracker: a named run directory
// holding the run configuration and append-only JSONL scalar series keyed by
// step.
package track

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Tracker receives scalar training metrics. Implementations must tolerate
// being called every log interval for the lifetime of a run.
type Tracker interface {
	// Log records scalars for a global step.
	Log(step int, scalars map[string]float64) error
	// Close flushes and releases the run.
	Close() error
}

// Noop discards everything. It is used when tracking is disabled.
type Noop struct{}

func (Noop) Log(int, map[string]float64) error { return nil }
func (Noop) Close() error                      { return nil }

// Run is a file-backed tracker. It writes config.json once at initialization
// and appends one JSON line per Log call to metrics.jsonl.
type Run struct {
	dir  string
	file *os.File
	enc  *json.Encoder
}

// NewRun initializes a run directory under root, named by project and
// experiment, and records the configuration snapshot.
func NewRun(root, project, experiment string, config any) (*Run, error) {
	dir := filepath.Join(root, "runs", project, experiment)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %v", err)
	}

	meta := map[string]any{
		"project":    project,
		"experiment": experiment,
		"started_at": time.Now().Format(time.RFC3339),
		"config":     config,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write run config: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %v", err)
	}
	return &Run{dir: dir, file: f, enc: json.NewEncoder(f)}, nil
}

// Dir returns the run directory.
func (r *Run) Dir() string { return r.dir }

// Log appends one metrics line.
func (r *Run) Log(step int, scalars map[string]float64) error {
	line := make(map[string]any, len(scalars)+1)
	line["step"] = step
	for k, v := range scalars {
		line[k] = v
	}
	return r.enc.Encode(line)
}

// Close closes the metrics file.
func (r *Run) Close() error { return r.file.Close() }
