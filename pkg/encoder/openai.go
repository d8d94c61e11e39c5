package encoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	openai "github.com/sashabaranov/go-openai"

	"github.com/soundprediction/biencoder/pkg/optim"
)

// OpenAIEncoder encodes text through an OpenAI-compatible embeddings
// endpoint. It is inference-only: retrieval and evaluation work, training
// does not, because the remote model exposes no gradients.
type OpenAIEncoder struct {
	client *openai.Client
	model  string
	hidden int
}

// NewOpenAIEncoder builds a remote encoder. baseURL may point at any
// OpenAI-compatible server; empty keeps the default endpoint.
func NewOpenAIEncoder(baseURL, apiKey, model string, hidden int) *OpenAIEncoder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEncoder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		hidden: hidden,
	}
}

// Forward embeds the batch's texts. The result carries one sequence
// position per example, so standard projection with a single summary token
// passes the vector through unchanged.
func (e *OpenAIEncoder) Forward(ctx context.Context, batch TokenBatch, _ bool) ([]RawOutput, error) {
	if len(batch.Texts) == 0 {
		return nil, fmt.Errorf("remote encoder requires raw texts, batch carries none")
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: batch.Texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(batch.Texts) {
		return nil, fmt.Errorf("embedding response holds %d vectors for %d texts", len(resp.Data), len(batch.Texts))
	}

	outputs := make([]RawOutput, len(resp.Data))
	for i, d := range resp.Data {
		outputs[i] = RawOutput{Sequence: [][]float32{d.Embedding}}
	}
	return outputs, nil
}

func (e *OpenAIEncoder) Backward(context.Context, TokenBatch, []RawOutput) error {
	return fmt.Errorf("remote encoder %q does not support training", e.model)
}

func (e *OpenAIEncoder) Parameters() []*optim.Parameter { return nil }

func (e *OpenAIEncoder) HiddenSize() int { return e.hidden }

// Save records the remote model reference; there are no local weights.
func (e *OpenAIEncoder) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create encoder directory: %w", err)
	}
	data, err := json.Marshal(map[string]any{
		"remote_model": e.model,
		"hidden_size":  e.hidden,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "remote.json"), data, 0o644)
}
