package encoder

import (
	"context"

	"github.com/soundprediction/biencoder/pkg/optim"
)

// TokenBatch is one forward pass worth of tokenized inputs. InputIDs and
// AttentionMask are aligned per example; Texts carries the untokenized form
// for encoders that run inference remotely and never see token ids.
type TokenBatch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Texts         []string
}

// Len returns the number of examples in the batch.
func (b TokenBatch) Len() int {
	if len(b.InputIDs) > 0 {
		return len(b.InputIDs)
	}
	return len(b.Texts)
}

// Slice returns the sub-batch [lo, hi).
func (b TokenBatch) Slice(lo, hi int) TokenBatch {
	out := TokenBatch{}
	if b.InputIDs != nil {
		out.InputIDs = b.InputIDs[lo:hi]
	}
	if b.AttentionMask != nil {
		out.AttentionMask = b.AttentionMask[lo:hi]
	}
	if b.Texts != nil {
		out.Texts = b.Texts[lo:hi]
	}
	return out
}

// RawOutput is one example's raw encoder output. Standard encoders fill
// Sequence, one hidden vector per token position, and the Projector pools
// the leading summary positions. Unified-rerank encoders emit the two
// halves pre-split into Retrieval and Rerank, leaving Sequence empty.
//
// The same shape carries gradients on the backward path: a RawOutput handed
// to Backward holds dL/d(raw output) in whichever fields the forward pass
// populated.
type RawOutput struct {
	Sequence  [][]float32
	Retrieval []float32
	Rerank    []float32
}

// Presplit reports whether this output carries the unified pre-split form.
func (r RawOutput) Presplit() bool {
	return len(r.Sequence) == 0 && (len(r.Retrieval) > 0 || len(r.Rerank) > 0)
}

// Tokenizer converts raw text into model inputs. Implementations decide
// truncation and padding; every returned example must align with its input.
type Tokenizer interface {
	Tokenize(texts []string, maxLength int) (TokenBatch, error)
}

// Encoder is the engine's view of one network. Forward produces one
// RawOutput per batch example; Backward receives the same batch plus the
// gradient of the loss with respect to each output, in the same order, and
// accumulates parameter gradients. Carrying the batch keeps Backward free
// of per-encoder forward state, so data-parallel shards may run
// concurrently against one encoder. Parameters exposes the trainable
// weights to the optimizer; inference-only encoders return nil and fail
// Backward.
type Encoder interface {
	Forward(ctx context.Context, batch TokenBatch, train bool) ([]RawOutput, error)
	Backward(ctx context.Context, batch TokenBatch, grads []RawOutput) error
	Parameters() []*optim.Parameter
	HiddenSize() int
	Save(dir string) error
}
