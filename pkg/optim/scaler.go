package optim

// GradScaler implements dynamic loss scaling for mixed-precision training.
// Losses are multiplied by the current scale before backward; before the
// optimizer step the gradients are unscaled and checked for overflow. A step
// that produced non-finite gradients is skipped and the scale halved; after a
// run of good steps the scale grows back.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
	enabled        bool
}

// NewGradScaler returns a scaler with the usual defaults. A disabled scaler
// is a no-op with scale 1, so callers need no branching for fp32 runs.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		scale:          65536,
		growthFactor:   2,
		backoffFactor:  0.5,
		growthInterval: 2000,
		enabled:        enabled,
	}
}

// Scale returns the factor to multiply the loss (and therefore the gradients)
// by before backward.
func (s *GradScaler) Scale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// UnscaleAndCheck divides the gradients back by the current scale and reports
// whether any gradient came out non-finite. When it returns true the caller
// must skip the optimizer step and call Update(true). A disabled scaler never
// reports overflow: non-finite gradients flow into the optimizer step, as
// they would without loss scaling.
func (s *GradScaler) UnscaleAndCheck(params []*Parameter) bool {
	if !s.enabled {
		return false
	}
	inv := float32(1 / s.scale)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= inv
		}
	}
	return HasNonFiniteGrad(params)
}

// Update adjusts the scale after a step attempt. foundInf halves the scale
// and resets the good-step counter; otherwise the scale doubles once
// growthInterval consecutive steps have succeeded.
func (s *GradScaler) Update(foundInf bool) {
	if !s.enabled {
		return
	}
	if foundInf {
		s.scale *= s.backoffFactor
		if s.scale < 1 {
			s.scale = 1
		}
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.growthInterval {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
}
