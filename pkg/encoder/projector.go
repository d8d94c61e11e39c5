package encoder

import (
	"fmt"
	"math/rand"
)

// Mode selects how raw encoder output becomes embeddings.
type Mode int

const (
	// ModeStandard pools the leading summary positions of the raw sequence
	// output and applies dropout during training.
	ModeStandard Mode = iota
	// ModeUnified passes through pre-split retrieval and reranking halves
	// without pooling.
	ModeUnified
)

// Projector turns raw encoder output into a retrieval embedding and, in
// unified mode, a secondary reranking embedding. It is pure apart from the
// dropout draw, which is recorded on the Projection so gradients can be
// routed back through the exact same mask.
type Projector struct {
	mode    Mode
	summary int
	dropout float64
	rng     *rand.Rand
}

// NewProjector builds a projector. summaryTokens is the number of leading
// sequence positions pooled in standard mode; values below one are treated
// as one. The seed fixes the dropout stream for reproducible runs.
func NewProjector(mode Mode, summaryTokens int, dropout float64, seed int64) *Projector {
	if summaryTokens < 1 {
		summaryTokens = 1
	}
	return &Projector{
		mode:    mode,
		summary: summaryTokens,
		dropout: dropout,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Projection is a projected example plus the bookkeeping needed to push
// gradients back to the raw output shape.
type Projection struct {
	Retrieval []float32
	Rerank    []float32

	mode     Mode
	summary  int
	seqLen   int
	hidden   int
	keepMask []bool
}

// Project maps one raw output to its embeddings. train enables dropout;
// evaluation passes never drop.
func (p *Projector) Project(raw RawOutput, train bool) (Projection, error) {
	switch p.mode {
	case ModeUnified:
		if !raw.Presplit() {
			return Projection{}, fmt.Errorf("unified projection requires pre-split encoder output")
		}
		return Projection{
			Retrieval: raw.Retrieval,
			Rerank:    raw.Rerank,
			mode:      ModeUnified,
		}, nil

	case ModeStandard:
		if len(raw.Sequence) < p.summary {
			return Projection{}, fmt.Errorf("sequence has %d positions, projection needs %d", len(raw.Sequence), p.summary)
		}
		hidden := len(raw.Sequence[0])
		out := make([]float32, 0, p.summary*hidden)
		for i := 0; i < p.summary; i++ {
			out = append(out, raw.Sequence[i]...)
		}

		proj := Projection{
			Retrieval: out,
			mode:      ModeStandard,
			summary:   p.summary,
			seqLen:    len(raw.Sequence),
			hidden:    hidden,
		}
		if train && p.dropout > 0 {
			keep := make([]bool, len(out))
			scale := float32(1 / (1 - p.dropout))
			for i := range out {
				if p.rng.Float64() < p.dropout {
					out[i] = 0
				} else {
					keep[i] = true
					out[i] *= scale
				}
			}
			proj.keepMask = keep
		}
		return proj, nil

	default:
		return Projection{}, fmt.Errorf("unknown projection mode %d", p.mode)
	}
}

// GradToRaw routes the gradient of the loss with respect to a projection
// back to the raw output shape the encoder produced, replaying the dropout
// mask recorded at projection time.
func (p *Projector) GradToRaw(proj Projection, gradRetrieval, gradRerank []float32) RawOutput {
	if proj.mode == ModeUnified {
		return RawOutput{Retrieval: gradRetrieval, Rerank: gradRerank}
	}

	grad := make([]float32, len(gradRetrieval))
	copy(grad, gradRetrieval)
	if proj.keepMask != nil {
		scale := float32(1 / (1 - p.dropout))
		for i := range grad {
			if proj.keepMask[i] {
				grad[i] *= scale
			} else {
				grad[i] = 0
			}
		}
	}

	seq := make([][]float32, proj.seqLen)
	for i := 0; i < proj.seqLen; i++ {
		if i < proj.summary {
			seq[i] = grad[i*proj.hidden : (i+1)*proj.hidden]
		} else {
			seq[i] = make([]float32, proj.hidden)
		}
	}
	return RawOutput{Sequence: seq}
}
