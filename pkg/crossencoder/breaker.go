package crossencoder

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// breakerScorer wraps a Scorer with a circuit breaker. A teacher endpoint
// that starts failing trips the breaker, so training surfaces the outage
// immediately instead of timing out on every step.
type breakerScorer struct {
	inner Scorer
	cb    *gobreaker.CircuitBreaker
}

// WithCircuitBreaker wraps the scorer; name labels the breaker in logs.
func WithCircuitBreaker(inner Scorer, name string) Scorer {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("cross-encoder circuit breaker state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerScorer{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *breakerScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	resp, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Score(ctx, query, passages)
	})
	if err != nil {
		return nil, err
	}
	return resp.([]float64), nil
}

func (b *breakerScorer) Close() error {
	return b.inner.Close()
}
