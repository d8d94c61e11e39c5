package biencoder

import (
	"fmt"
	"os"

	"github.com/soundprediction/biencoder/pkg/optim"
)

// Args is the full training and evaluation configuration. It is captured
// once at model construction and never mutated afterwards; every component
// receives the values it needs at that point.
type Args struct {
	ModelName          string `json:"model_name"`
	OutputDir          string `json:"output_dir"`
	OverwriteOutputDir bool   `json:"overwrite_output_dir"`

	NumTrainEpochs            int     `json:"num_train_epochs"`
	TrainBatchSize            int     `json:"train_batch_size"`
	EvalBatchSize             int     `json:"eval_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	MaxSequenceLength         int     `json:"max_seq_length"`
	LearningRate              float64 `json:"learning_rate"`
	WeightDecay               float64 `json:"weight_decay"`
	AdamEpsilon               float64 `json:"adam_epsilon"`
	MaxGradNorm               float64 `json:"max_grad_norm"`
	Optimizer                 string  `json:"optimizer"`
	Scheduler                 string  `json:"scheduler"`
	WarmupSteps               int     `json:"warmup_steps"`
	WarmupRatio               float64 `json:"warmup_ratio"`
	FP16                      bool    `json:"fp16"`
	Seed                      int64   `json:"manual_seed"`

	LoggingSteps                int  `json:"logging_steps"`
	SaveSteps                   int  `json:"save_steps"`
	SaveModelEveryEpoch         bool `json:"save_model_every_epoch"`
	EvaluateDuringTraining      bool `json:"evaluate_during_training"`
	EvaluateDuringTrainingSteps int  `json:"evaluate_during_training_steps"`
	EvaluateEachEpoch           bool `json:"evaluate_each_epoch"`

	UseEarlyStopping            bool    `json:"use_early_stopping"`
	EarlyStoppingPatience       int     `json:"early_stopping_patience"`
	EarlyStoppingDelta          float64 `json:"early_stopping_delta"`
	EarlyStoppingMetric         string  `json:"early_stopping_metric"`
	EarlyStoppingMetricMinimize bool    `json:"early_stopping_metric_minimize"`

	// Objective selection. See pkg/loss for semantics.
	IncludeTriplet bool    `json:"include_triplet_loss"`
	TripletMargin  float64 `json:"triplet_margin"`
	NLLLambda      float64 `json:"nll_lambda"`
	IncludeBCE     bool    `json:"include_bce_loss"`
	SumWithNLL     bool    `json:"bce_sum_with_nll"`
	UnifiedRerank  bool    `json:"unified_rr"`
	RerankLambda   float64 `json:"unified_rr_loss_weight"`

	HardNegatives bool `json:"hard_negatives"`

	// Embedding projection.
	SummaryTokens int     `json:"summary_tokens"`
	DropoutProb   float64 `json:"projection_dropout"`

	// Retrieval and metrics.
	RetrievalBatchSize int   `json:"retrieval_batch_size"`
	RetrieveNDocs      int   `json:"retrieve_n_docs"`
	TopKValues         []int `json:"top_k_values"`
	QAStyleMatching    bool  `json:"qa_style_matching"`

	// Multi-device scaling. DataParallelShards splits each batch across
	// concurrent forward passes on shared weights; DistributedDataParallel
	// all-reduces gradients across processes. The two are mutually
	// exclusive.
	DataParallelShards      int  `json:"data_parallel_shards"`
	DistributedDataParallel bool `json:"distributed_data_parallel"`
}

// DefaultArgs mirrors the conventional fine-tuning defaults.
func DefaultArgs() Args {
	return Args{
		OutputDir:                   "outputs",
		NumTrainEpochs:              1,
		TrainBatchSize:              8,
		EvalBatchSize:               8,
		GradientAccumulationSteps:   1,
		MaxSequenceLength:           128,
		LearningRate:                2e-5,
		AdamEpsilon:                 1e-8,
		MaxGradNorm:                 1.0,
		Optimizer:                   optim.OptimizerAdamW,
		Scheduler:                   optim.ScheduleLinearWarmup,
		WarmupRatio:                 0.06,
		Seed:                        42,
		LoggingSteps:                50,
		SaveSteps:                   2000,
		EvaluateDuringTrainingSteps: 2000,
		EarlyStoppingPatience:       3,
		EarlyStoppingDelta:          0,
		EarlyStoppingMetric:         "eval_loss",
		EarlyStoppingMetricMinimize: true,
		TripletMargin:               1.0,
		NLLLambda:                   1.0,
		RerankLambda:                1.0,
		SummaryTokens:               1,
		DropoutProb:                 0.1,
		RetrievalBatchSize:          512,
		RetrieveNDocs:               10,
		TopKValues:                  []int{1, 2, 3, 5, 10},
	}
}

// Validate catches configuration errors before any expensive work starts.
func (a Args) Validate() error {
	if a.TrainBatchSize < 1 || a.EvalBatchSize < 1 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if a.GradientAccumulationSteps < 1 {
		return fmt.Errorf("gradient_accumulation_steps must be at least 1")
	}
	if a.IncludeBCE && a.IncludeTriplet {
		return fmt.Errorf("include_bce_loss and include_triplet_loss cannot both be enabled")
	}
	if a.DataParallelShards > 1 && a.DistributedDataParallel {
		return fmt.Errorf("data_parallel_shards and distributed_data_parallel are mutually exclusive")
	}
	for _, k := range a.TopKValues {
		if k > a.RetrieveNDocs {
			return fmt.Errorf("top-k value %d exceeds retrieve_n_docs %d", k, a.RetrieveNDocs)
		}
	}
	return nil
}

// checkOutputDir enforces the overwrite guard: training refuses to write
// into a non-empty output directory unless explicitly allowed.
func (a Args) checkOutputDir() error {
	entries, err := os.ReadDir(a.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect output directory: %w", err)
	}
	if len(entries) > 0 && !a.OverwriteOutputDir {
		return fmt.Errorf("output directory %q is not empty, set overwrite_output_dir to train anyway", a.OutputDir)
	}
	return nil
}

// warmup resolves the warmup step count against the total step budget.
// An explicit warmup_steps wins over the ratio.
func (a Args) warmup(totalSteps int) int {
	if a.WarmupSteps > 0 {
		return a.WarmupSteps
	}
	return int(float64(totalSteps) * a.WarmupRatio)
}
