// Package checkpoint persists and restores training state: encoder
// weights, optimizer and scheduler state, the run configuration, and the
// evaluation artifacts written next to them.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File and directory names inside a checkpoint.
const (
	ContextEncoderDir = "context_encoder"
	QueryEncoderDir   = "query_encoder"
	OptimizerFile     = "optimizer.pt"
	SchedulerFile     = "scheduler.pt"
	ArgsFile          = "training_args.bin"
	EvalResultsFile   = "eval_results.txt"
	ProgressFile      = "training_progress_scores.csv"
)

// ErrInvalidCheckpointName is returned when a checkpoint name would escape
// the output directory.
var ErrInvalidCheckpointName = errors.New("invalid checkpoint name: contains path traversal or invalid characters")

// Saver is anything that can write its weights into a directory. Both
// encoders satisfy it.
type Saver interface {
	Save(dir string) error
}

// Snapshot is everything one checkpoint holds. Optimizer and scheduler
// state may be nil for inference-only saves; Args is serialized as-is.
type Snapshot struct {
	ContextEncoder Saver
	QueryEncoder   Saver
	OptimizerState []byte
	SchedulerState []byte
	Args           any
}

// Manager writes checkpoints under a single output directory.
type Manager struct {
	outputDir string
}

// NewManager creates the output directory if needed.
func NewManager(outputDir string) (*Manager, error) {
	if outputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Manager{outputDir: outputDir}, nil
}

// OutputDir returns the root the manager writes under.
func (m *Manager) OutputDir() string {
	return m.outputDir
}

func validateName(name string) error {
	if name == "" ||
		strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) ||
		strings.ContainsRune(name, '\x00') {
		return ErrInvalidCheckpointName
	}
	return nil
}

// Dir resolves a checkpoint name under the output directory. An empty name
// addresses the output directory itself, used for the final save.
func (m *Manager) Dir(name string) (string, error) {
	if name == "" {
		return m.outputDir, nil
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(m.outputDir, name), nil
}

// Save writes a full checkpoint into the named directory. Each file lands
// via a temporary name and rename, so a reader never sees a half-written
// file; the directory as a whole is complete only when Save returns.
func (m *Manager) Save(ctx context.Context, name string, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := m.Dir(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	if snap.ContextEncoder != nil {
		if err := snap.ContextEncoder.Save(filepath.Join(dir, ContextEncoderDir)); err != nil {
			return fmt.Errorf("failed to save context encoder: %w", err)
		}
	}
	if snap.QueryEncoder != nil {
		if err := snap.QueryEncoder.Save(filepath.Join(dir, QueryEncoderDir)); err != nil {
			return fmt.Errorf("failed to save query encoder: %w", err)
		}
	}
	if snap.OptimizerState != nil {
		if err := writeAtomic(filepath.Join(dir, OptimizerFile), snap.OptimizerState); err != nil {
			return fmt.Errorf("failed to save optimizer state: %w", err)
		}
	}
	if snap.SchedulerState != nil {
		if err := writeAtomic(filepath.Join(dir, SchedulerFile), snap.SchedulerState); err != nil {
			return fmt.Errorf("failed to save scheduler state: %w", err)
		}
	}
	if snap.Args != nil {
		data, err := json.MarshalIndent(snap.Args, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal training args: %w", err)
		}
		if err := writeAtomic(filepath.Join(dir, ArgsFile), data); err != nil {
			return fmt.Errorf("failed to save training args: %w", err)
		}
	}
	return nil
}

// LoadOptimizerState reads the serialized optimizer state from dir, which
// may be any checkpoint directory, not only ones under the output root.
// Returns nil without error when no state was saved there.
func LoadOptimizerState(dir string) ([]byte, error) {
	return readOptional(filepath.Join(dir, OptimizerFile))
}

// LoadSchedulerState reads the serialized scheduler state from dir.
func LoadSchedulerState(dir string) ([]byte, error) {
	return readOptional(filepath.Join(dir, SchedulerFile))
}

// LoadArgs unmarshals the saved run configuration into out.
func LoadArgs(dir string, out any) error {
	data, err := os.ReadFile(filepath.Join(dir, ArgsFile))
	if err != nil {
		return fmt.Errorf("failed to read training args: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal training args: %w", err)
	}
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
