package optim

import (
	"encoding/json"
	"fmt"
	"math"
)

// adafactor implements the memory-efficient Adafactor update rule. For
// matrix-shaped parameters the second-moment estimate is factored into row
// and column accumulators; vectors keep a full estimate. With RelativeStep
// enabled the learning rate is derived from the step count instead of the
// configured value.
type adafactor struct {
	params []*Parameter
	cfg    Config
	lr     float64
	state  adafactorState
}

type adafactorState struct {
	Step    int                       `json:"step"`
	Moments map[string]adafactorSlots `json:"moments"`
}

type adafactorSlots struct {
	// Factored second moment (rows × cols) for matrix parameters.
	VRow []float32 `json:"v_row,omitempty"`
	VCol []float32 `json:"v_col,omitempty"`
	// Full second moment for vector parameters.
	V []float32 `json:"v,omitempty"`
	// Optional first moment when AdafactorBeta1 > 0.
	M []float32 `json:"m,omitempty"`
}

func newAdafactor(params []*Parameter, cfg Config) *adafactor {
	return &adafactor{
		params: params,
		cfg:    cfg,
		lr:     cfg.LearningRate,
		state: adafactorState{
			Moments: make(map[string]adafactorSlots, len(params)),
		},
	}
}

// factored reports whether the parameter's second moment can use the
// row/column factorization.
func factored(shape []int) (rows, cols int, ok bool) {
	if len(shape) != 2 {
		return 0, 0, false
	}
	return shape[0], shape[1], true
}

func (o *adafactor) stepSize(p *Parameter) float64 {
	if !o.cfg.AdafactorRelativeStep {
		return o.lr
	}

	t := float64(o.state.Step)
	minStep := 1e-2
	if o.cfg.AdafactorWarmupInit {
		minStep = 1e-6 * t
	}
	relStep := math.Min(minStep, 1/math.Sqrt(t))

	scale := 1.0
	if o.cfg.AdafactorScaleParameter {
		scale = math.Max(o.cfg.AdafactorEps2, rms(p.Data))
	}
	return scale * relStep
}

func (o *adafactor) Step() error {
	o.state.Step++
	t := float64(o.state.Step)
	// beta2 approaches 1 as training progresses; DecayRate is negative.
	beta2t := 1 - math.Pow(t, o.cfg.AdafactorDecayRate)

	for _, p := range o.params {
		rows, cols, canFactor := factored(p.Shape)
		slots, ok := o.state.Moments[p.Name]
		if !ok {
			if canFactor {
				slots = adafactorSlots{
					VRow: make([]float32, rows),
					VCol: make([]float32, cols),
				}
			} else {
				slots = adafactorSlots{V: make([]float32, len(p.Data))}
			}
			if o.cfg.AdafactorBeta1 > 0 {
				slots.M = make([]float32, len(p.Data))
			}
			o.state.Moments[p.Name] = slots
		}

		update := make([]float64, len(p.Data))
		if canFactor {
			if rows*cols != len(p.Data) {
				return fmt.Errorf("parameter %q shape %v does not match %d entries", p.Name, p.Shape, len(p.Data))
			}

			// Update row/column accumulators with the squared gradient.
			rowMean := make([]float64, rows)
			colMean := make([]float64, cols)
			for r := 0; r < rows; r++ {
				for c := 0; c < cols; c++ {
					g2 := float64(p.Grad[r*cols+c])*float64(p.Grad[r*cols+c]) + o.cfg.AdafactorEps1
					rowMean[r] += g2 / float64(cols)
					colMean[c] += g2 / float64(rows)
				}
			}
			var colTotal float64
			for r := 0; r < rows; r++ {
				slots.VRow[r] = float32(beta2t*float64(slots.VRow[r]) + (1-beta2t)*rowMean[r])
			}
			for c := 0; c < cols; c++ {
				slots.VCol[c] = float32(beta2t*float64(slots.VCol[c]) + (1-beta2t)*colMean[c])
				colTotal += float64(slots.VCol[c])
			}

			// Approximate rsqrt(V) from the factored estimate.
			for r := 0; r < rows; r++ {
				for c := 0; c < cols; c++ {
					v := float64(slots.VRow[r]) * float64(slots.VCol[c]) / (colTotal / float64(cols))
					update[r*cols+c] = float64(p.Grad[r*cols+c]) / math.Sqrt(v)
				}
			}
		} else {
			for i := range p.Data {
				g2 := float64(p.Grad[i])*float64(p.Grad[i]) + o.cfg.AdafactorEps1
				v := beta2t*float64(slots.V[i]) + (1-beta2t)*g2
				slots.V[i] = float32(v)
				update[i] = float64(p.Grad[i]) / math.Sqrt(v)
			}
		}

		// Clip the update by its RMS, then apply the step size.
		var sq float64
		for _, u := range update {
			sq += u * u
		}
		updateRMS := math.Sqrt(sq / float64(len(update)))
		denom := math.Max(1, updateRMS/o.cfg.AdafactorClipThreshold)
		lr := o.stepSize(p)

		for i := range update {
			u := update[i] / denom * lr
			if o.cfg.AdafactorBeta1 > 0 {
				m := o.cfg.AdafactorBeta1*float64(slots.M[i]) + (1-o.cfg.AdafactorBeta1)*u
				slots.M[i] = float32(m)
				u = m
			}
			w := float64(p.Data[i]) - u
			if o.cfg.WeightDecay > 0 && !p.NoDecay {
				w -= lr * o.cfg.WeightDecay * float64(p.Data[i])
			}
			p.Data[i] = float32(w)
		}
	}
	return nil
}

func (o *adafactor) ZeroGrad()        { ZeroGrads(o.params) }
func (o *adafactor) SetLR(lr float64) { o.lr = lr }
func (o *adafactor) LR() float64      { return o.lr }

func (o *adafactor) State() ([]byte, error) {
	return json.Marshal(o.state)
}

func (o *adafactor) LoadState(data []byte) error {
	var state adafactorState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal Adafactor state: %w", err)
	}
	if state.Moments == nil {
		state.Moments = make(map[string]adafactorSlots)
	}
	o.state = state
	return nil
}
