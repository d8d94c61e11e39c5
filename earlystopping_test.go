package biencoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEarlyStopState(t *testing.T) {
	t.Run("first value always improves", func(t *testing.T) {
		var s earlyStopState
		improved, stop := s.update(5.0, true, 0, 3)
		assert.True(t, improved)
		assert.False(t, stop)
		assert.Equal(t, 5.0, s.best)
	})

	t.Run("minimize counts decreases as improvements", func(t *testing.T) {
		var s earlyStopState
		s.update(5.0, true, 0, 3)

		improved, _ := s.update(4.0, true, 0, 3)
		assert.True(t, improved)
		assert.Equal(t, 4.0, s.best)

		improved, _ = s.update(4.5, true, 0, 3)
		assert.False(t, improved)
		assert.Equal(t, 4.0, s.best)
	})

	t.Run("maximize needs more than delta above best", func(t *testing.T) {
		var s earlyStopState
		s.update(0.50, false, 0.01, 3)

		improved, _ := s.update(0.505, false, 0.01, 3)
		assert.False(t, improved)

		improved, _ = s.update(0.52, false, 0.01, 3)
		assert.True(t, improved)
		assert.Equal(t, 0.52, s.best)
	})

	t.Run("tolerates patience non-improvements, stops on the next", func(t *testing.T) {
		var s earlyStopState
		s.update(1.0, true, 0, 2)

		_, stop := s.update(1.5, true, 0, 2)
		require.False(t, stop)
		_, stop = s.update(1.4, true, 0, 2)
		require.False(t, stop)
		_, stop = s.update(1.3, true, 0, 2)
		assert.True(t, stop)
	})

	t.Run("maximize stops on the fourth non-improvement with patience three", func(t *testing.T) {
		var s earlyStopState
		s.update(0.9, false, 0, 3)

		var stop bool
		for i := 0; i < 3; i++ {
			_, stop = s.update(0.5, false, 0, 3)
			require.False(t, stop)
		}
		_, stop = s.update(0.5, false, 0, 3)
		assert.True(t, stop)
	})

	t.Run("improvement resets the counter", func(t *testing.T) {
		var s earlyStopState
		s.update(1.0, true, 0, 2)
		s.update(1.5, true, 0, 2)

		improved, stop := s.update(0.5, true, 0, 2)
		require.True(t, improved)
		require.False(t, stop)
		assert.Equal(t, 0, s.counter)

		_, stop = s.update(0.9, true, 0, 2)
		assert.False(t, stop)
		_, stop = s.update(0.9, true, 0, 2)
		assert.False(t, stop)
		_, stop = s.update(0.9, true, 0, 2)
		assert.True(t, stop)
	})
}
