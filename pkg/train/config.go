// Package train drives supervised fine-tuning: the run configuration, the
// warmup+cosine learning-rate schedule, dynamic loss scaling, the single and
// replicated parameter containers, and the epoch/step loop with logging and
// checkpointing.
package train

import (
	"fmt"
	"strconv"
	"strings"
)

// VisibleDevicesEnv is set from the device-list flag before any device-aware
// initialization, mirroring how accelerator visibility is pinned down.
const VisibleDevicesEnv = "SFT_VISIBLE_DEVICES"

// Config is the immutable record of run parameters. It is populated once from
// the command line and passed explicitly to every component; nothing reads it
// as ambient state.
type Config struct {
	OutDir       string
	Epochs       int
	BatchSize    int
	LearningRate float64
	Device       string
	Dtype        string
	Track        bool
	NumWorkers   int
	DataPath     string
	AccumSteps   int
	GradClip     float32
	WarmupIters  int
	LogInterval  int
	SaveInterval int
	Devices      string

	// Seed fixes batch shuffling; checkpoints of equal runs are equal.
	Seed int64
}

// Validate rejects settings the loop cannot run with.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.AccumSteps <= 0 {
		return fmt.Errorf("accumulation steps must be positive, got %d", c.AccumSteps)
	}
	if c.WarmupIters < 0 {
		return fmt.Errorf("warmup iterations must not be negative, got %d", c.WarmupIters)
	}
	if c.LogInterval <= 0 || c.SaveInterval <= 0 {
		return fmt.Errorf("log and save intervals must be positive")
	}
	switch c.Dtype {
	case "float32", "bfloat16", "float16":
	default:
		return fmt.Errorf("unsupported dtype %q", c.Dtype)
	}
	if _, err := c.DeviceIDs(); err != nil {
		return err
	}
	return nil
}

// DeviceIDs parses the comma-separated device list. An empty list means a
// single device.
func (c Config) DeviceIDs() ([]int, error) {
	if strings.TrimSpace(c.Devices) == "" {
		return nil, nil
	}
	parts := strings.Split(c.Devices, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad device id %q: %v", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MixedPrecision reports whether the dtype enables the loss scaler.
func (c Config) MixedPrecision() bool {
	return c.Dtype == "bfloat16" || c.Dtype == "float16"
}
