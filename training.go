package biencoder

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/soundprediction/biencoder/pkg/checkpoint"
	"github.com/soundprediction/biencoder/pkg/optim"
)

// TrainResult summarizes a finished run. TrainingLoss is the running loss
// averaged over optimizer steps; EarlyStopped reports whether the patience
// budget ended the run before the epoch budget did.
type TrainResult struct {
	GlobalStep   int
	TrainingLoss float64
	BestMetric   float64
	EarlyStopped bool
}

// trainState carries everything the step loop mutates.
type trainState struct {
	params    []*optim.Parameter
	opt       optim.Optimizer
	sched     optim.Scheduler
	scaler    *optim.GradScaler
	manager   *checkpoint.Manager
	earlyStop earlyStopState

	globalStep   int
	runningLoss  float64
	currentLoss  float64
	stepsSkipped int

	progressCols []string
	progressRows [][]float64
}

var errEarlyStop = errors.New("early stopping patience exhausted")

// Train runs the full fine-tuning loop over trainData. evalData is required
// when evaluate_during_training is set and feeds the early-stopping metric.
// Resuming from a checkpoint directory in model_name fast-forwards the
// epoch and batch counters so the schedule continues where it left off.
func (m *Model) Train(ctx context.Context, trainData []TrainingExample, evalData *EvalData) (*TrainResult, error) {
	if len(trainData) == 0 {
		return nil, fmt.Errorf("no training examples provided")
	}
	if m.args.EvaluateDuringTraining && evalData == nil {
		return nil, fmt.Errorf("evaluate_during_training requires evaluation data")
	}
	if m.args.UnifiedRerank && m.teacher == nil {
		return nil, fmt.Errorf("unified reranking needs a cross-encoder scorer to distill from")
	}
	if err := m.args.checkOutputDir(); err != nil {
		return nil, err
	}

	numBatches := (len(trainData) + m.args.TrainBatchSize - 1) / m.args.TrainBatchSize
	stepsPerEpoch := numBatches / m.args.GradientAccumulationSteps
	if stepsPerEpoch == 0 {
		stepsPerEpoch = 1
	}
	totalSteps := stepsPerEpoch * m.args.NumTrainEpochs

	st, err := m.newTrainState(totalSteps)
	if err != nil {
		return nil, err
	}

	epochsTrained := 0
	if st.globalStep > 0 {
		epochsTrained = st.globalStep / stepsPerEpoch
		st.stepsSkipped = (st.globalStep % stepsPerEpoch) * m.args.GradientAccumulationSteps
		m.logger.Info("resuming training",
			"global_step", st.globalStep,
			"epochs_trained", epochsTrained,
			"batches_skipped", st.stepsSkipped)
	}

	rng := rand.New(rand.NewSource(m.args.Seed))
	stopped := false

	for epoch := 0; epoch < m.args.NumTrainEpochs; epoch++ {
		// Replay the shuffle stream so a resumed run sees the same batch
		// order the interrupted run would have.
		batches := makeBatches(trainData, m.args.TrainBatchSize, rng, m.args.HardNegatives)
		if epoch < epochsTrained {
			continue
		}

		m.logger.Info("starting epoch", "epoch", epoch+1, "num_batches", len(batches))
		if err := m.runEpoch(ctx, st, batches, epoch, evalData); err != nil {
			if errors.Is(err, errEarlyStop) {
				stopped = true
				break
			}
			return nil, err
		}

		if m.args.SaveModelEveryEpoch {
			name := checkpoint.Name(st.globalStep, epoch+1, true)
			if err := m.saveCheckpoint(ctx, st, name, nil); err != nil {
				return nil, err
			}
		}
		if m.args.EvaluateDuringTraining && m.args.EvaluateEachEpoch {
			if err := m.evalAndTrack(ctx, st, evalData, ""); err != nil {
				if errors.Is(err, errEarlyStop) {
					stopped = true
					break
				}
				return nil, err
			}
		}
	}

	if err := m.saveCheckpoint(ctx, st, "", nil); err != nil {
		return nil, err
	}
	if len(st.progressRows) > 0 {
		if err := checkpoint.WriteProgress(st.manager.OutputDir(), st.progressCols, st.progressRows); err != nil {
			return nil, fmt.Errorf("failed to write training progress: %w", err)
		}
	}

	result := &TrainResult{
		GlobalStep:   st.globalStep,
		EarlyStopped: stopped,
	}
	if st.globalStep > 0 {
		result.TrainingLoss = st.runningLoss / float64(st.globalStep)
	}
	if st.earlyStop.hasBest {
		result.BestMetric = st.earlyStop.best
	}
	m.logger.Info("training finished",
		"global_step", result.GlobalStep,
		"training_loss", result.TrainingLoss,
		"early_stopped", stopped)
	return result, nil
}

// newTrainState builds the optimizer, scheduler, scaler and checkpoint
// manager, restoring their state when model_name names a checkpoint.
// Configuration errors surface here, before the first batch.
func (m *Model) newTrainState(totalSteps int) (*trainState, error) {
	st := &trainState{
		params: m.parameters(),
		scaler: optim.NewGradScaler(m.args.FP16),
	}
	if len(st.params) == 0 {
		return nil, fmt.Errorf("no trainable parameters: both encoders are frozen or inference-only")
	}
	optim.MarkNoDecay(st.params)

	var err error
	st.opt, err = optim.New(m.args.Optimizer, st.params, optim.Config{
		LearningRate: m.args.LearningRate,
		WeightDecay:  m.args.WeightDecay,
		AdamEpsilon:  m.args.AdamEpsilon,
	})
	if err != nil {
		return nil, err
	}
	st.sched, err = optim.NewScheduler(m.args.Scheduler, optim.SchedulerConfig{
		BaseLR:      m.args.LearningRate,
		WarmupSteps: m.args.warmup(totalSteps),
		TotalSteps:  totalSteps,
	})
	if err != nil {
		return nil, err
	}
	st.manager, err = checkpoint.NewManager(m.args.OutputDir)
	if err != nil {
		return nil, err
	}

	if m.args.ModelName != "" {
		if step, err := checkpoint.ParseGlobalStep(m.args.ModelName); err == nil {
			st.globalStep = step
			if err := m.restoreState(st, m.args.ModelName); err != nil {
				return nil, err
			}
		}
	}
	return st, nil
}

func (m *Model) restoreState(st *trainState, dir string) error {
	optState, err := checkpoint.LoadOptimizerState(dir)
	if err != nil {
		return fmt.Errorf("failed to read optimizer state: %w", err)
	}
	if optState != nil {
		if err := st.opt.LoadState(optState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	schedState, err := checkpoint.LoadSchedulerState(dir)
	if err != nil {
		return fmt.Errorf("failed to read scheduler state: %w", err)
	}
	if schedState != nil {
		if err := st.sched.LoadState(schedState); err != nil {
			return fmt.Errorf("failed to restore scheduler state: %w", err)
		}
	}
	return nil
}

// runEpoch walks one epoch's batches, stepping the optimizer at every
// accumulation boundary.
func (m *Model) runEpoch(ctx context.Context, st *trainState, batches []batch, epoch int, evalData *EvalData) error {
	for i, b := range batches {
		if st.stepsSkipped > 0 {
			st.stepsSkipped--
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.trainBatch(ctx, st, b); err != nil {
			return fmt.Errorf("batch %d of epoch %d failed: %w", i, epoch+1, err)
		}

		if (i+1)%m.args.GradientAccumulationSteps != 0 {
			continue
		}
		if err := m.optimizerStep(ctx, st); err != nil {
			return err
		}
		if err := m.stepGates(ctx, st, epoch, evalData); err != nil {
			return err
		}
	}
	return nil
}

// trainBatch runs forward, loss, and backward for one batch, leaving the
// gradients accumulated on the parameters.
func (m *Model) trainBatch(ctx context.Context, st *trainState, b batch) error {
	in, qp, cp, err := m.batchInputs(ctx, b, true)
	if err != nil {
		return err
	}
	res, err := m.lossEngine.Compute(in)
	if err != nil {
		return err
	}
	st.currentLoss = res.Loss
	st.runningLoss += res.Loss / float64(m.args.GradientAccumulationSteps)

	// Loss scaling for overflow detection and accumulation averaging are
	// both folded into the gradient scale.
	scale := float32(st.scaler.Scale() / float64(m.args.GradientAccumulationSteps))
	if err := m.backwardGroup(ctx, m.queryEncoder, qp, res.QueryGrad, res.QueryRerankGrad, scale); err != nil {
		return err
	}
	return m.backwardGroup(ctx, m.contextEncoder, cp, res.ContextGrad, res.ContextRerankGrad, scale)
}

// optimizerStep closes one accumulation window: unscale, clip, reduce,
// step, advance the schedule. An overflow skips the update but still
// advances the step counters so the schedule and the scale recover in sync.
func (m *Model) optimizerStep(ctx context.Context, st *trainState) error {
	foundInf := st.scaler.UnscaleAndCheck(st.params)
	if !foundInf {
		if m.args.MaxGradNorm > 0 {
			optim.ClipGradNorm(st.params, m.args.MaxGradNorm)
		}
		if m.reducer != nil {
			if err := m.reducer.AllReduce(ctx, st.params); err != nil {
				return fmt.Errorf("gradient all-reduce failed: %w", err)
			}
		}
		st.opt.SetLR(st.sched.LR())
		if err := st.opt.Step(); err != nil {
			return fmt.Errorf("optimizer step failed: %w", err)
		}
	} else {
		m.logger.Warn("skipping step, non-finite gradients", "scale", st.scaler.Scale())
	}
	st.sched.Step()
	st.scaler.Update(foundInf)
	st.opt.ZeroGrad()
	st.globalStep++
	return nil
}

// stepGates fires the periodic actions after an optimizer step: logging,
// checkpointing, and mid-training evaluation.
func (m *Model) stepGates(ctx context.Context, st *trainState, epoch int, evalData *EvalData) error {
	if m.args.LoggingSteps > 0 && st.globalStep%m.args.LoggingSteps == 0 {
		lr := st.sched.LR()
		m.logger.Info("training step",
			"global_step", st.globalStep,
			"epoch", epoch+1,
			"loss", st.currentLoss,
			"lr", lr)
		m.sink.Log(st.globalStep, map[string]float64{
			"train_loss":    st.currentLoss,
			"learning_rate": lr,
		})
	}

	if m.args.SaveSteps > 0 && st.globalStep%m.args.SaveSteps == 0 {
		name := checkpoint.Name(st.globalStep, 0, false)
		if err := m.saveCheckpoint(ctx, st, name, nil); err != nil {
			return err
		}
	}

	if m.args.EvaluateDuringTraining &&
		m.args.EvaluateDuringTrainingSteps > 0 &&
		st.globalStep%m.args.EvaluateDuringTrainingSteps == 0 {
		name := checkpoint.Name(st.globalStep, 0, false)
		if err := m.evalAndTrack(ctx, st, evalData, name); err != nil {
			return err
		}
	}
	return nil
}

// evalAndTrack runs an evaluation, records the progress row, writes the
// results next to the checkpoint, and applies the early-stopping policy.
// checkpointName may be empty for epoch-end evaluations with no checkpoint.
func (m *Model) evalAndTrack(ctx context.Context, st *trainState, evalData *EvalData, checkpointName string) error {
	result, err := m.Evaluate(ctx, evalData)
	if err != nil {
		return fmt.Errorf("mid-training evaluation failed: %w", err)
	}

	st.recordProgress(st.globalStep, st.currentLoss, result.Metrics)
	m.sink.Log(st.globalStep, result.Metrics)

	if checkpointName != "" {
		if err := m.saveCheckpoint(ctx, st, checkpointName, result.Metrics); err != nil {
			return err
		}
	}

	value, ok := result.Metrics[m.args.EarlyStoppingMetric]
	if !ok {
		return fmt.Errorf("early stopping metric %q is not among the evaluation results", m.args.EarlyStoppingMetric)
	}
	improved, stop := st.earlyStop.update(value, m.args.EarlyStoppingMetricMinimize, m.args.EarlyStoppingDelta, m.args.EarlyStoppingPatience)
	if improved {
		m.logger.Info("new best model", "metric", m.args.EarlyStoppingMetric, "value", value)
		if err := m.saveCheckpoint(ctx, st, "best_model", result.Metrics); err != nil {
			return err
		}
	} else {
		m.logger.Info("no improvement",
			"metric", m.args.EarlyStoppingMetric,
			"value", value,
			"best", st.earlyStop.best,
			"patience_used", st.earlyStop.counter)
	}
	if m.args.UseEarlyStopping && stop {
		return errEarlyStop
	}
	return nil
}

// saveCheckpoint snapshots encoders, optimizer, scheduler and args into the
// named directory. An empty name targets the output root for the final
// save. Eval results, when given, land beside the weights.
func (m *Model) saveCheckpoint(ctx context.Context, st *trainState, name string, results map[string]float64) error {
	optState, err := st.opt.State()
	if err != nil {
		return fmt.Errorf("failed to serialize optimizer state: %w", err)
	}
	schedState, err := st.sched.State()
	if err != nil {
		return fmt.Errorf("failed to serialize scheduler state: %w", err)
	}

	snap := checkpoint.Snapshot{
		ContextEncoder: m.contextEncoder,
		QueryEncoder:   m.queryEncoder,
		OptimizerState: optState,
		SchedulerState: schedState,
		Args:           m.args,
	}
	if err := st.manager.Save(ctx, name, snap); err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", name, err)
	}

	if results != nil {
		dir, err := st.manager.Dir(name)
		if err != nil {
			return err
		}
		if err := checkpoint.WriteEvalResults(dir, results); err != nil {
			return fmt.Errorf("failed to write eval results: %w", err)
		}
	}
	return nil
}

// recordProgress appends one evaluation to the history backing
// training_progress_scores.csv. The column set is fixed by the first
// evaluation; later metrics missing a column are dropped.
func (st *trainState) recordProgress(globalStep int, trainLoss float64, evalMetrics map[string]float64) {
	if st.progressCols == nil {
		keys := make([]string, 0, len(evalMetrics))
		for k := range evalMetrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		st.progressCols = append([]string{"global_step", "train_loss"}, keys...)
	}

	row := make([]float64, len(st.progressCols))
	row[0] = float64(globalStep)
	row[1] = trainLoss
	for i, col := range st.progressCols[2:] {
		row[i+2] = evalMetrics[col]
	}
	st.progressRows = append(st.progressRows, row)
}
