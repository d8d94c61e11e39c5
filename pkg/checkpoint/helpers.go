package checkpoint

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const namePrefix = "checkpoint"

// Name builds a checkpoint directory name. withEpoch appends the epoch the
// save happened in, so per-epoch saves are distinguishable from step saves.
func Name(globalStep int, epoch int, withEpoch bool) string {
	if withEpoch {
		return fmt.Sprintf("%s-%d-epoch-%d", namePrefix, globalStep, epoch)
	}
	return fmt.Sprintf("%s-%d", namePrefix, globalStep)
}

// ParseGlobalStep recovers the global step from a checkpoint directory
// path. Names look like "checkpoint-1200" or "checkpoint-1200-epoch-3"; the
// step is the first numeric segment after the prefix.
func ParseGlobalStep(path string) (int, error) {
	base := filepath.Base(filepath.Clean(path))
	parts := strings.Split(base, "-")
	if len(parts) < 2 || parts[0] != namePrefix {
		return 0, fmt.Errorf("%q is not a checkpoint directory name", base)
	}
	step, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%q has a non-numeric step segment: %w", base, err)
	}
	return step, nil
}

// Latest returns the checkpoint directory under outputDir with the highest
// global step, or empty when none exist.
func Latest(outputDir string) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to scan output directory: %w", err)
	}

	best := ""
	bestStep := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		step, err := ParseGlobalStep(e.Name())
		if err != nil {
			continue
		}
		if step > bestStep {
			bestStep = step
			best = filepath.Join(outputDir, e.Name())
		}
	}
	return best, nil
}

// WriteEvalResults writes the metrics as sorted "key = value" lines.
func WriteEvalResults(dir string, results map[string]float64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %v\n", k, results[k])
	}
	return writeAtomic(filepath.Join(dir, EvalResultsFile), []byte(b.String()))
}

// WriteProgress writes the evaluation history as a CSV, one row per logged
// evaluation, columns in the given order.
func WriteProgress(dir string, columns []string, rows [][]float64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(columns); err != nil {
		return err
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("progress row %d has %d values for %d columns", i, len(row), len(columns))
		}
		record := make([]string, len(row))
		for j, v := range row {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, ProgressFile), []byte(b.String()))
}
