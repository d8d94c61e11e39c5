package optim

import (
	"encoding/json"
	"fmt"
	"math"
)

// Scheduler names accepted by NewScheduler.
const (
	ScheduleConstant        = "constant_schedule"
	ScheduleConstantWarmup  = "constant_schedule_with_warmup"
	ScheduleLinearWarmup    = "linear_schedule_with_warmup"
	ScheduleCosineWarmup    = "cosine_schedule_with_warmup"
	ScheduleCosineRestarts  = "cosine_with_hard_restarts_schedule_with_warmup"
	SchedulePolynomialDecay = "polynomial_decay_schedule_with_warmup"
)

// SchedulerConfig carries the knobs shared across schedules. Fields that a
// given schedule does not use are ignored.
type SchedulerConfig struct {
	BaseLR        float64
	WarmupSteps   int
	TotalSteps    int
	NumCycles     float64
	PolynomialLR  float64
	PolynomialPow float64
}

// Scheduler produces the learning rate for each optimizer step. Step advances
// the internal counter; LR reports the rate for the current step. State and
// LoadState round-trip the counter so a restored scheduler resumes with the
// same rate it would have produced.
type Scheduler interface {
	Step()
	LR() float64
	State() ([]byte, error)
	LoadState(data []byte) error
}

// NewScheduler resolves a schedule by name. Unknown names are a configuration
// error and are reported before any training step runs.
func NewScheduler(name string, cfg SchedulerConfig) (Scheduler, error) {
	if cfg.NumCycles == 0 {
		switch name {
		case ScheduleCosineWarmup:
			cfg.NumCycles = 0.5
		case ScheduleCosineRestarts:
			cfg.NumCycles = 1.0
		}
	}
	if cfg.PolynomialPow == 0 {
		cfg.PolynomialPow = 1.0
	}

	var fn func(step int) float64
	switch name {
	case ScheduleConstant:
		fn = func(int) float64 { return 1 }
	case ScheduleConstantWarmup:
		fn = func(step int) float64 {
			if step < cfg.WarmupSteps {
				return float64(step) / float64(max(1, cfg.WarmupSteps))
			}
			return 1
		}
	case ScheduleLinearWarmup:
		fn = func(step int) float64 {
			if step < cfg.WarmupSteps {
				return float64(step) / float64(max(1, cfg.WarmupSteps))
			}
			remaining := float64(cfg.TotalSteps-step) / float64(max(1, cfg.TotalSteps-cfg.WarmupSteps))
			return math.Max(0, remaining)
		}
	case ScheduleCosineWarmup:
		fn = func(step int) float64 {
			if step < cfg.WarmupSteps {
				return float64(step) / float64(max(1, cfg.WarmupSteps))
			}
			progress := float64(step-cfg.WarmupSteps) / float64(max(1, cfg.TotalSteps-cfg.WarmupSteps))
			return math.Max(0, 0.5*(1+math.Cos(math.Pi*cfg.NumCycles*2*progress)))
		}
	case ScheduleCosineRestarts:
		fn = func(step int) float64 {
			if step < cfg.WarmupSteps {
				return float64(step) / float64(max(1, cfg.WarmupSteps))
			}
			progress := float64(step-cfg.WarmupSteps) / float64(max(1, cfg.TotalSteps-cfg.WarmupSteps))
			if progress >= 1 {
				return 0
			}
			cyclePos := math.Mod(cfg.NumCycles*progress, 1)
			return math.Max(0, 0.5*(1+math.Cos(math.Pi*cyclePos)))
		}
	case SchedulePolynomialDecay:
		endLR := cfg.PolynomialLR
		fn = func(step int) float64 {
			if step < cfg.WarmupSteps {
				return float64(step) / float64(max(1, cfg.WarmupSteps))
			}
			if step > cfg.TotalSteps {
				return endLR / cfg.BaseLR
			}
			span := float64(cfg.TotalSteps - cfg.WarmupSteps)
			remaining := 1 - float64(step-cfg.WarmupSteps)/span
			decayed := (cfg.BaseLR-endLR)*math.Pow(remaining, cfg.PolynomialPow) + endLR
			return decayed / cfg.BaseLR
		}
	default:
		return nil, fmt.Errorf("%q is not a valid scheduler, use one of (%q, %q, %q, %q, %q, %q)",
			name, ScheduleConstant, ScheduleConstantWarmup, ScheduleLinearWarmup,
			ScheduleCosineWarmup, ScheduleCosineRestarts, SchedulePolynomialDecay)
	}

	return &lambdaScheduler{base: cfg.BaseLR, lambda: fn}, nil
}

// lambdaScheduler multiplies the base rate by a step-indexed factor, the
// shape every named schedule reduces to.
type lambdaScheduler struct {
	base   float64
	lambda func(step int) float64
	state  schedulerState
}

type schedulerState struct {
	Step int `json:"step"`
}

func (s *lambdaScheduler) Step()       { s.state.Step++ }
func (s *lambdaScheduler) LR() float64 { return s.base * s.lambda(s.state.Step) }

func (s *lambdaScheduler) State() ([]byte, error) {
	return json.Marshal(s.state)
}

func (s *lambdaScheduler) LoadState(data []byte) error {
	var state schedulerState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal scheduler state: %w", err)
	}
	s.state = state
	return nil
}
