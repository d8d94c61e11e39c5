package optim

import (
	"encoding/json"
	"fmt"
	"math"
)

// adamW implements decoupled weight-decay Adam. Weight decay is applied
// directly to the weights, never through the moment estimates, and is
// skipped entirely for NoDecay parameters.
type adamW struct {
	params []*Parameter
	cfg    Config
	lr     float64
	state  adamWState
}

type adamWState struct {
	Step    int                  `json:"step"`
	Moments map[string]adamSlots `json:"moments"`
}

type adamSlots struct {
	M []float32 `json:"m"`
	V []float32 `json:"v"`
}

func newAdamW(params []*Parameter, cfg Config) *adamW {
	return &adamW{
		params: params,
		cfg:    cfg,
		lr:     cfg.LearningRate,
		state: adamWState{
			Moments: make(map[string]adamSlots, len(params)),
		},
	}
}

func (o *adamW) Step() error {
	o.state.Step++
	t := float64(o.state.Step)
	b1 := o.cfg.AdamBeta1
	b2 := o.cfg.AdamBeta2
	correction1 := 1 - math.Pow(b1, t)
	correction2 := 1 - math.Pow(b2, t)

	for _, p := range o.params {
		slots, ok := o.state.Moments[p.Name]
		if !ok {
			slots = adamSlots{
				M: make([]float32, len(p.Data)),
				V: make([]float32, len(p.Data)),
			}
			o.state.Moments[p.Name] = slots
		}
		if len(slots.M) != len(p.Data) {
			return fmt.Errorf("optimizer state for %q has %d entries, parameter has %d", p.Name, len(slots.M), len(p.Data))
		}

		for i := range p.Data {
			g := float64(p.Grad[i])
			m := b1*float64(slots.M[i]) + (1-b1)*g
			v := b2*float64(slots.V[i]) + (1-b2)*g*g
			slots.M[i] = float32(m)
			slots.V[i] = float32(v)

			mHat := m / correction1
			vHat := v / correction2
			update := o.lr * mHat / (math.Sqrt(vHat) + o.cfg.AdamEpsilon)

			w := float64(p.Data[i]) - update
			if o.cfg.WeightDecay > 0 && !p.NoDecay {
				w -= o.lr * o.cfg.WeightDecay * float64(p.Data[i])
			}
			p.Data[i] = float32(w)
		}
	}
	return nil
}

func (o *adamW) ZeroGrad()        { ZeroGrads(o.params) }
func (o *adamW) SetLR(lr float64) { o.lr = lr }
func (o *adamW) LR() float64      { return o.lr }

func (o *adamW) State() ([]byte, error) {
	return json.Marshal(o.state)
}

func (o *adamW) LoadState(data []byte) error {
	var state adamWState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal AdamW state: %w", err)
	}
	if state.Moments == nil {
		state.Moments = make(map[string]adamSlots)
	}
	o.state = state
	return nil
}
