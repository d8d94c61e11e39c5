package biencoder

import (
	"context"

	"github.com/soundprediction/biencoder/pkg/optim"
)

// AllReducer averages gradients across distributed training processes. It
// is called once per accumulation boundary, after unscaling and before the
// optimizer step. The engine never retries a failed all-reduce; the error
// terminates training.
type AllReducer interface {
	AllReduce(ctx context.Context, params []*optim.Parameter) error
}
