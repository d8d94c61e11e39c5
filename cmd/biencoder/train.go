package biencoder

import (
	"fmt"

	"github.com/spf13/cobra"

	engine "github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/alert"
	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/telemetry"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune a dual-encoder retrieval model",
	Long: `Train a dual-encoder model on (query, gold passage) pairs with in-batch
negatives. Training examples are read from a JSON or YAML file; evaluation
data, when provided, drives mid-training evaluation and early stopping.`,
	RunE: runTrain,
}

var (
	trainFile        string
	trainEvalFile    string
	trainPassageFile string
)

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVar(&trainFile, "train-file", "", "Training examples file (json or yaml)")
	trainCmd.Flags().StringVar(&trainEvalFile, "eval-file", "", "Evaluation examples file")
	trainCmd.Flags().StringVar(&trainPassageFile, "passage-file", "", "Extra evaluation corpus passages")
	trainCmd.MarkFlagRequired("train-file")
	addEncoderFlags(trainCmd.Flags())
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	trainData, err := engine.LoadExamples(trainFile)
	if err != nil {
		return err
	}

	var evalData *engine.EvalData
	if trainEvalFile != "" {
		examples, err := engine.LoadExamples(trainEvalFile)
		if err != nil {
			return err
		}
		evalData = &engine.EvalData{Examples: examples}
		if trainPassageFile != "" {
			passages, err := engine.LoadPassages(trainPassageFile)
			if err != nil {
				return err
			}
			evalData.Passages = passages
		}
	}

	var opts []engine.Option
	if cfg.Telemetry.ParquetPath != "" {
		sink, err := telemetry.NewParquetSink(cfg.Telemetry.ParquetPath, cfg.Telemetry.BatchSize, logger)
		if err != nil {
			logger.Warn("telemetry disabled", "error", err)
		} else {
			defer sink.Close()
			opts = append(opts, engine.WithSink(sink))
		}
	}

	model, err := buildModel(cfg, logger, opts...)
	if err != nil {
		return err
	}

	alerter := alert.NewEmailAlerter(cfg.Alert)

	result, err := model.Train(cmd.Context(), trainData, evalData)
	if err != nil {
		if alertErr := alert.NotifyTrainingOutcome(alerter, alert.TrainingOutcome{Err: err}); alertErr != nil {
			logger.Warn("failed to send alert", "error", alertErr)
		}
		return err
	}

	fmt.Printf("finished at global step %d, training loss %.6f\n", result.GlobalStep, result.TrainingLoss)
	if result.EarlyStopped {
		fmt.Println("stopped early: no improvement within patience")
	}
	outcome := alert.TrainingOutcome{
		GlobalStep:   result.GlobalStep,
		TrainingLoss: result.TrainingLoss,
		EarlyStopped: result.EarlyStopped,
	}
	if alertErr := alert.NotifyTrainingOutcome(alerter, outcome); alertErr != nil {
		logger.Warn("failed to send alert", "error", alertErr)
	}
	return nil
}
