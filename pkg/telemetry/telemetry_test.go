package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parquetFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var files []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".parquet" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

func TestParquetSink(t *testing.T) {
	t.Run("flushes buffered records on close", func(t *testing.T) {
		dir := t.TempDir()
		sink, err := NewParquetSink(dir, 100, nil)
		require.NoError(t, err)

		sink.Log(10, map[string]float64{"train_loss": 0.5})
		sink.Log(20, map[string]float64{"train_loss": 0.4, "lr": 1e-5})
		require.Empty(t, parquetFiles(t, dir))

		require.NoError(t, sink.Close())
		files := parquetFiles(t, dir)
		require.Len(t, files, 1)

		rows, err := parquet.ReadFile[MetricRecord](files[0])
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for _, r := range rows {
			assert.Equal(t, sink.RunID(), r.RunID)
			assert.NotEmpty(t, r.ID)
		}
	})

	t.Run("flushes when the batch size is reached", func(t *testing.T) {
		dir := t.TempDir()
		sink, err := NewParquetSink(dir, 2, nil)
		require.NoError(t, err)

		sink.Log(1, map[string]float64{"a": 1, "b": 2})
		assert.Len(t, parquetFiles(t, dir), 1)
		require.NoError(t, sink.Close())
	})

	t.Run("close with nothing buffered writes nothing", func(t *testing.T) {
		dir := t.TempDir()
		sink, err := NewParquetSink(dir, 10, nil)
		require.NoError(t, err)
		require.NoError(t, sink.Close())
		assert.Empty(t, parquetFiles(t, dir))
	})
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	s.Log(1, map[string]float64{"a": 1})
	require.NoError(t, s.Close())
}
