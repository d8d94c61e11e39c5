// Package telemetry records training and evaluation metrics for later
// analysis. The sink is write-only and fire-and-forget from the engine's
// perspective: a failing sink never fails a training step.
package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

// MetricRecord is one scalar observation in Parquet storage.
type MetricRecord struct {
	ID         string    `parquet:"id"`
	RunID      string    `parquet:"run_id"`
	Timestamp  time.Time `parquet:"timestamp"`
	GlobalStep int64     `parquet:"global_step"`
	Name       string    `parquet:"name"`
	Value      float64   `parquet:"value"`
}

// Sink receives scalar metrics at logging and evaluation boundaries.
type Sink interface {
	Log(globalStep int, values map[string]float64)
	Close() error
}

// ParquetSink buffers metric records and writes them as Parquet files under
// one directory, one file per flush. Every sink instance gets a fresh run
// ID so rows from different runs are distinguishable after the fact.
type ParquetSink struct {
	outputDir string
	runID     string
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex
	buffer []MetricRecord
}

// NewParquetSink creates the output directory and a new run ID.
func NewParquetSink(outputDir string, batchSize int, logger *slog.Logger) (*ParquetSink, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	if batchSize < 1 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ParquetSink{
		outputDir: outputDir,
		runID:     uuid.New().String(),
		batchSize: batchSize,
		logger:    logger,
		buffer:    make([]MetricRecord, 0, batchSize),
	}, nil
}

// RunID identifies this sink's rows.
func (s *ParquetSink) RunID() string {
	return s.runID
}

// Log buffers one record per value. Flush failures are logged and dropped.
func (s *ParquetSink) Log(globalStep int, values map[string]float64) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range values {
		s.buffer = append(s.buffer, MetricRecord{
			ID:         uuid.New().String(),
			RunID:      s.runID,
			Timestamp:  now,
			GlobalStep: int64(globalStep),
			Name:       name,
			Value:      value,
		})
	}
	if len(s.buffer) >= s.batchSize {
		if err := s.flush(); err != nil {
			s.logger.Warn("failed to flush metrics", "error", err)
		}
	}
}

// Close flushes whatever is buffered.
func (s *ParquetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// flush writes the buffer to a new Parquet file. Caller holds the lock.
func (s *ParquetSink) flush() error {
	if len(s.buffer) == 0 {
		return nil
	}

	filename := fmt.Sprintf("metrics_%s_%d.parquet", time.Now().Format("20060102_150405"), time.Now().UnixNano())
	if err := parquet.WriteFile(filepath.Join(s.outputDir, filename), s.buffer); err != nil {
		return err
	}
	s.buffer = s.buffer[:0]
	return nil
}

// NopSink discards everything; it stands in when no tracker is configured.
type NopSink struct{}

func (NopSink) Log(int, map[string]float64) {}
func (NopSink) Close() error                { return nil }
