package encoder

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/soundprediction/biencoder/pkg/optim"
)

const tableWeightsFile = "weights.json"

// TableEncoder is a trainable embedding-table encoder. Each token id maps
// to a learned dense row; the forward pass emits one row per token position
// so the projector can pool summary positions exactly as it would over a
// transformer's hidden states. In unified mode the attended rows are summed
// and split into retrieval and reranking halves.
//
// It exists so the full training stack, losses through checkpoints, runs
// against real trainable parameters without an external model server.
type TableEncoder struct {
	vocab   int
	hidden  int
	unified bool
	table   *optim.Parameter

	mu sync.Mutex
}

// tableSpec is the serialized form written next to the weights.
type tableSpec struct {
	Vocab   int  `json:"vocab_size"`
	Hidden  int  `json:"hidden_size"`
	Unified bool `json:"unified"`
}

// NewTableEncoder builds a randomly initialized table. Unified mode splits
// each row in half, so hidden must be even there.
func NewTableEncoder(vocab, hidden int, unified bool, seed int64) (*TableEncoder, error) {
	if vocab < 1 || hidden < 1 {
		return nil, fmt.Errorf("table encoder needs positive vocab and hidden sizes, got %d and %d", vocab, hidden)
	}
	if unified && hidden%2 != 0 {
		return nil, fmt.Errorf("unified table encoder needs an even hidden size, got %d", hidden)
	}

	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, vocab*hidden)
	scale := float32(0.02)
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * scale
	}
	return &TableEncoder{
		vocab:   vocab,
		hidden:  hidden,
		unified: unified,
		table:   optim.NewParameter("embedding.weight", []int{vocab, hidden}, data),
	}, nil
}

func (e *TableEncoder) row(id int) []float32 {
	return e.table.Data[id*e.hidden : (id+1)*e.hidden]
}

// Forward looks up each example's token rows. Padding positions, attention
// mask zero, produce zero vectors so pooling over them is inert.
func (e *TableEncoder) Forward(ctx context.Context, batch TokenBatch, train bool) ([]RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(batch.InputIDs) == 0 {
		return nil, fmt.Errorf("table encoder requires token ids, batch carries none")
	}

	outputs := make([]RawOutput, len(batch.InputIDs))
	for i, ids := range batch.InputIDs {
		mask := batch.attentionRow(i, len(ids))
		if e.unified {
			sum := make([]float32, e.hidden)
			for t, id := range ids {
				if mask[t] == 0 {
					continue
				}
				if id < 0 || id >= e.vocab {
					return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, e.vocab)
				}
				row := e.row(id)
				for d := range sum {
					sum[d] += row[d]
				}
			}
			half := e.hidden / 2
			outputs[i] = RawOutput{Retrieval: sum[:half], Rerank: sum[half:]}
			continue
		}

		seq := make([][]float32, len(ids))
		for t, id := range ids {
			if mask[t] == 0 {
				seq[t] = make([]float32, e.hidden)
				continue
			}
			if id < 0 || id >= e.vocab {
				return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, e.vocab)
			}
			seq[t] = e.row(id)
		}
		outputs[i] = RawOutput{Sequence: seq}
	}
	return outputs, nil
}

// Backward accumulates dL/d(table) from per-example output gradients. Safe
// for concurrent calls from data-parallel shards.
func (e *TableEncoder) Backward(ctx context.Context, batch TokenBatch, grads []RawOutput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(grads) != len(batch.InputIDs) {
		return fmt.Errorf("got %d output gradients for %d examples", len(grads), len(batch.InputIDs))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, g := range grads {
		ids := batch.InputIDs[i]
		mask := batch.attentionRow(i, len(ids))

		if e.unified {
			full := make([]float32, 0, e.hidden)
			full = append(full, g.Retrieval...)
			full = append(full, g.Rerank...)
			if len(full) != e.hidden {
				return fmt.Errorf("unified gradient has %d entries, hidden size is %d", len(full), e.hidden)
			}
			for t, id := range ids {
				if mask[t] == 0 {
					continue
				}
				gradRow := e.table.Grad[id*e.hidden : (id+1)*e.hidden]
				for d := range gradRow {
					gradRow[d] += full[d]
				}
			}
			continue
		}

		for t, id := range ids {
			if t >= len(g.Sequence) || mask[t] == 0 {
				continue
			}
			gradRow := e.table.Grad[id*e.hidden : (id+1)*e.hidden]
			for d, v := range g.Sequence[t] {
				gradRow[d] += v
			}
		}
	}
	return nil
}

func (e *TableEncoder) Parameters() []*optim.Parameter {
	return []*optim.Parameter{e.table}
}

func (e *TableEncoder) HiddenSize() int {
	return e.hidden
}

// VocabSize reports the token id range the table accepts, so a tokenizer
// can be sized to match a restored encoder.
func (e *TableEncoder) VocabSize() int {
	return e.vocab
}

// Save writes the table and its shape spec into dir, creating it if needed.
func (e *TableEncoder) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create encoder directory: %w", err)
	}
	payload := struct {
		tableSpec
		Weights []float32 `json:"weights"`
	}{
		tableSpec: tableSpec{Vocab: e.vocab, Hidden: e.hidden, Unified: e.unified},
		Weights:   e.table.Data,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal encoder weights: %w", err)
	}

	path := filepath.Join(dir, tableWeightsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write encoder weights: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadTableEncoder restores an encoder saved with Save.
func LoadTableEncoder(dir string) (*TableEncoder, error) {
	data, err := os.ReadFile(filepath.Join(dir, tableWeightsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read encoder weights: %w", err)
	}
	var payload struct {
		tableSpec
		Weights []float32 `json:"weights"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal encoder weights: %w", err)
	}
	if len(payload.Weights) != payload.Vocab*payload.Hidden {
		return nil, fmt.Errorf("encoder weights hold %d values, spec implies %d", len(payload.Weights), payload.Vocab*payload.Hidden)
	}

	e := &TableEncoder{
		vocab:   payload.Vocab,
		hidden:  payload.Hidden,
		unified: payload.Unified,
		table:   optim.NewParameter("embedding.weight", []int{payload.Vocab, payload.Hidden}, payload.Weights),
	}
	return e, nil
}

// attentionRow returns example i's mask, defaulting to all-ones when the
// batch carries no mask.
func (b TokenBatch) attentionRow(i, length int) []int {
	if i < len(b.AttentionMask) && b.AttentionMask[i] != nil {
		return b.AttentionMask[i]
	}
	ones := make([]int, length)
	for t := range ones {
		ones[t] = 1
	}
	return ones
}
