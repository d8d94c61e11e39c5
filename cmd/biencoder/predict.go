package biencoder

import (
	"fmt"

	"github.com/spf13/cobra"

	engine "github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/config"
)

var predictCmd = &cobra.Command{
	Use:   "predict [query]...",
	Short: "Retrieve the best passages for ad-hoc queries",
	Long: `Encode a passage corpus, build an in-memory index, and print the top
retrieved passages for each query given on the command line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPredict,
}

var predictPassageFile string

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().StringVar(&predictPassageFile, "passage-file", "", "Passage corpus file (json or yaml)")
	predictCmd.MarkFlagRequired("passage-file")
	addEncoderFlags(predictCmd.Flags())
}

func runPredict(cmd *cobra.Command, queries []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	model, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}

	passages, err := engine.LoadPassages(predictPassageFile)
	if err != nil {
		return err
	}
	idx, err := model.BuildIndex(cmd.Context(), passages)
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}

	docs, err := model.Predict(cmd.Context(), queries, idx)
	if err != nil {
		return err
	}
	for i, q := range queries {
		fmt.Printf("query: %s\n", q)
		for rank, p := range docs.Passages[i] {
			fmt.Printf("  %d. %s\n", rank+1, p)
		}
	}
	return nil
}
