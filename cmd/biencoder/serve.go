package biencoder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	engine "github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/index"
	"github.com/soundprediction/biencoder/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a trained model over HTTP",
	Long: `Load a trained model and a passage corpus, build the retrieval index, and
serve search and embedding endpoints over HTTP.

The server provides:
- POST /api/v1/search  ranked passages for a query
- POST /api/v1/embed   query embeddings
- GET  /health, /ready, /live  health checks`,
	RunE: runServe,
}

var servePassageFile string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePassageFile, "passage-file", "", "Passage corpus to index (json or yaml)")
	serveCmd.Flags().String("host", "localhost", "Server host")
	serveCmd.Flags().Int("port", 8080, "Server port")
	serveCmd.MarkFlagRequired("passage-file")
	addEncoderFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); cmd.Flags().Changed("host") {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	logger := newLogger(cfg)

	model, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}

	passages, err := engine.LoadPassages(servePassageFile)
	if err != nil {
		return err
	}

	idx, closeIdx, err := populateIndex(cmd.Context(), cfg, model, passages)
	if err != nil {
		return err
	}
	defer closeIdx()

	srv := server.New(cfg, model, idx, logger)
	srv.Setup()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

// populateIndex embeds the corpus into the configured backend.
func populateIndex(ctx context.Context, cfg *config.Config, model *engine.Model, passages []string) (index.Index, func() error, error) {
	idx, closeIdx, err := openIndex(cfg)
	if err != nil {
		return nil, nil, err
	}

	if _, ok := idx.(*index.MemoryIndex); ok {
		mem, err := model.BuildIndex(ctx, passages)
		if err != nil {
			closeIdx()
			return nil, nil, err
		}
		return mem, closeIdx, nil
	}

	badgerIdx, ok := idx.(*index.BadgerIndex)
	if !ok {
		return idx, closeIdx, nil
	}

	embeddings, rerank, err := model.EncodePassages(ctx, passages)
	if err != nil {
		closeIdx()
		return nil, nil, err
	}
	records := make([]index.Passage, len(passages))
	for i, text := range passages {
		records[i] = index.Passage{
			ID:        fmt.Sprintf("%d", i),
			Text:      text,
			Embedding: embeddings[i],
		}
		if rerank != nil {
			records[i].RerankEmbedding = rerank[i]
		}
	}
	if err := badgerIdx.Add(records...); err != nil {
		closeIdx()
		return nil, nil, err
	}
	return badgerIdx, closeIdx, nil
}
