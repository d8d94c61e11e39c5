package biencoder

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	engine "github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/checkpoint"
	"github.com/soundprediction/biencoder/pkg/config"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a trained model against a passage corpus",
	Long: `Evaluate a trained dual-encoder: compute the held-out loss, retrieve for
every query, and report ranking metrics. Results are printed and written
to eval_results.txt in the output directory.`,
	RunE: runEval,
}

var (
	evalFile         string
	evalPassageFile  string
	evalRelevantFile string
)

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().StringVar(&evalFile, "eval-file", "", "Evaluation examples file (json or yaml)")
	evalCmd.Flags().StringVar(&evalPassageFile, "passage-file", "", "Extra corpus passages")
	evalCmd.Flags().StringVar(&evalRelevantFile, "relevant-file", "", "Per-query relevant document sets (json)")
	evalCmd.MarkFlagRequired("eval-file")
	addEncoderFlags(evalCmd.Flags())
}

func runEval(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	model, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}

	examples, err := engine.LoadExamples(evalFile)
	if err != nil {
		return err
	}
	data := &engine.EvalData{Examples: examples}
	if evalPassageFile != "" {
		if data.Passages, err = engine.LoadPassages(evalPassageFile); err != nil {
			return err
		}
	}
	if evalRelevantFile != "" {
		if data.RelevantDocs, err = engine.LoadRelevantDocs(evalRelevantFile); err != nil {
			return err
		}
	}

	result, err := model.Evaluate(cmd.Context(), data)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(result.Metrics))
	for k := range result.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s = %v\n", k, result.Metrics[k])
	}

	outputDir := cfg.Training.Args().OutputDir
	if err := checkpoint.WriteEvalResults(outputDir, result.Metrics); err != nil {
		return fmt.Errorf("failed to write eval results: %w", err)
	}
	return nil
}
