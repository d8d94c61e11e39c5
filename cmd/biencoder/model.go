package biencoder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	engine "github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/checkpoint"
	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/crossencoder"
	"github.com/soundprediction/biencoder/pkg/encoder"
	"github.com/soundprediction/biencoder/pkg/index"
)

var (
	vocabSize  int
	hiddenSize int
)

func addEncoderFlags(flags *pflag.FlagSet) {
	flags.IntVar(&vocabSize, "vocab-size", 30522, "Token vocabulary size for fresh encoders")
	flags.IntVar(&hiddenSize, "hidden-size", 128, "Embedding width for fresh encoders")
}

// newLogger builds the process logger from the log configuration.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildEncoders restores both towers from a checkpoint directory when one
// is named, and initializes fresh tables otherwise.
func buildEncoders(args engine.Args) (query, context encoder.Encoder, vocab int, err error) {
	if args.ModelName != "" {
		q, err := encoder.LoadTableEncoder(filepath.Join(args.ModelName, checkpoint.QueryEncoderDir))
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to load query encoder: %w", err)
		}
		c, err := encoder.LoadTableEncoder(filepath.Join(args.ModelName, checkpoint.ContextEncoderDir))
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to load context encoder: %w", err)
		}
		return q, c, q.VocabSize(), nil
	}

	q, err := encoder.NewTableEncoder(vocabSize, hiddenSize, args.UnifiedRerank, args.Seed)
	if err != nil {
		return nil, nil, 0, err
	}
	c, err := encoder.NewTableEncoder(vocabSize, hiddenSize, args.UnifiedRerank, args.Seed+1)
	if err != nil {
		return nil, nil, 0, err
	}
	return q, c, vocabSize, nil
}

// buildModel assembles the engine from configuration, attaching the
// cross-encoder teacher when unified reranking is enabled.
func buildModel(cfg *config.Config, logger *slog.Logger, extra ...engine.Option) (*engine.Model, error) {
	args := cfg.Training.Args()

	queryEnc, contextEnc, vocab, err := buildEncoders(args)
	if err != nil {
		return nil, err
	}

	opts := append([]engine.Option{engine.WithLogger(logger)}, extra...)
	if args.UnifiedRerank {
		teacher, err := buildTeacher(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithTeacher(teacher))
	}

	return engine.New(args, queryEnc, contextEnc, encoder.NewHashTokenizer(vocab), opts...)
}

func buildTeacher(cfg *config.Config) (crossencoder.Scorer, error) {
	provider := crossencoder.ProviderReranker
	if cfg.CrossEncoder.Provider == "mock" {
		provider = crossencoder.ProviderMock
	}
	return crossencoder.NewScorer(crossencoder.ClientConfig{
		Provider: provider,
		Config: crossencoder.Config{
			Model:     cfg.CrossEncoder.Model,
			BaseURL:   cfg.CrossEncoder.BaseURL,
			APIKey:    cfg.CrossEncoder.APIKey,
			BatchSize: cfg.CrossEncoder.BatchSize,
		},
		WithBreaker: true,
	})
}

// openIndex opens the configured index backend. The returned closer is a
// no-op for the in-memory backend.
func openIndex(cfg *config.Config) (index.Index, func() error, error) {
	switch cfg.Index.Backend {
	case "", "memory":
		return index.NewMemoryIndex(), func() error { return nil }, nil
	case "badger":
		idx, err := index.OpenBadgerIndex(cfg.Index.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open badger index: %w", err)
		}
		return idx, idx.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}
