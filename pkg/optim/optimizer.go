package optim

import (
	"fmt"
)

// Optimizer names accepted by New. Anything else is a configuration error.
const (
	OptimizerAdamW     = "AdamW"
	OptimizerAdafactor = "Adafactor"
)

// Config carries the optimizer hyperparameters. Zero values fall back to the
// defaults set by applyDefaults.
type Config struct {
	LearningRate float64
	WeightDecay  float64

	// AdamW
	AdamEpsilon float64
	AdamBeta1   float64
	AdamBeta2   float64

	// Adafactor
	AdafactorEps1           float64
	AdafactorEps2           float64
	AdafactorClipThreshold  float64
	AdafactorDecayRate      float64
	AdafactorBeta1          float64
	AdafactorScaleParameter bool
	AdafactorRelativeStep   bool
	AdafactorWarmupInit     bool
}

func (c *Config) applyDefaults() {
	if c.LearningRate == 0 {
		c.LearningRate = 2e-5
	}
	if c.AdamEpsilon == 0 {
		c.AdamEpsilon = 1e-8
	}
	if c.AdamBeta1 == 0 {
		c.AdamBeta1 = 0.9
	}
	if c.AdamBeta2 == 0 {
		c.AdamBeta2 = 0.999
	}
	if c.AdafactorEps1 == 0 {
		c.AdafactorEps1 = 1e-30
	}
	if c.AdafactorEps2 == 0 {
		c.AdafactorEps2 = 1e-3
	}
	if c.AdafactorClipThreshold == 0 {
		c.AdafactorClipThreshold = 1.0
	}
	if c.AdafactorDecayRate == 0 {
		c.AdafactorDecayRate = -0.8
	}
}

// Optimizer applies an update rule to a fixed set of parameters.
type Optimizer interface {
	// Step applies one update using the current gradients.
	Step() error

	// ZeroGrad clears the gradients of all managed parameters.
	ZeroGrad()

	// SetLR overrides the learning rate, used by the scheduler between steps.
	SetLR(lr float64)

	// LR returns the current learning rate.
	LR() float64

	// State serializes the optimizer state (moments, step counters) so a
	// checkpoint restore reproduces the exact update trajectory.
	State() ([]byte, error)

	// LoadState restores state produced by State.
	LoadState(data []byte) error
}

// New builds an optimizer by name. Unknown names fail immediately so a typo
// in configuration surfaces before any training work happens.
func New(name string, params []*Parameter, cfg Config) (Optimizer, error) {
	cfg.applyDefaults()

	switch name {
	case OptimizerAdamW:
		return newAdamW(params, cfg), nil
	case OptimizerAdafactor:
		return newAdafactor(params, cfg), nil
	default:
		return nil, fmt.Errorf(
			"%q is not a valid optimizer, use one of (%q, %q)",
			name, OptimizerAdamW, OptimizerAdafactor,
		)
	}
}
