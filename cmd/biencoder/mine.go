package biencoder

import (
	"fmt"

	"github.com/spf13/cobra"

	engine "github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/config"
)

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Mine hard negatives with a trained model",
	Long: `Retrieve the passages the current model ranks highest for each training
query and record the non-gold ones as hard negatives, written as a TSV with
one hard_negatives_<i> column per negative, one row per example in input
order.`,
	RunE: runMine,
}

var (
	mineTrainFile    string
	minePassageFile  string
	mineOutputFile   string
	mineNumNegatives int
)

func init() {
	rootCmd.AddCommand(mineCmd)

	mineCmd.Flags().StringVar(&mineTrainFile, "train-file", "", "Training examples file (json or yaml)")
	mineCmd.Flags().StringVar(&minePassageFile, "passage-file", "", "Corpus to mine from (defaults to the gold passages)")
	mineCmd.Flags().StringVar(&mineOutputFile, "output-file", "hard_negatives.tsv", "Destination TSV")
	mineCmd.Flags().IntVar(&mineNumNegatives, "num-negatives", 2, "Hard negatives per example")
	mineCmd.MarkFlagRequired("train-file")
	addEncoderFlags(mineCmd.Flags())
}

func runMine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	model, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}

	examples, err := engine.LoadExamples(mineTrainFile)
	if err != nil {
		return err
	}

	var corpus []string
	if minePassageFile != "" {
		if corpus, err = engine.LoadPassages(minePassageFile); err != nil {
			return err
		}
	}

	mined, err := model.MineHardNegatives(cmd.Context(), examples, corpus, mineNumNegatives)
	if err != nil {
		return err
	}
	if err := engine.WriteHardNegativesTSV(mineOutputFile, mined); err != nil {
		return err
	}

	fmt.Printf("wrote %d examples with hard negatives to %s\n", len(mined), mineOutputFile)
	return nil
}
