package optim

import (
	"math"
	"strings"
)

// Parameter is a named dense tensor with an explicit gradient buffer.
// Encoders expose their trainable weights as parameters; the loss engine
// writes gradients and the optimizer consumes them.
type Parameter struct {
	Name string
	// Shape describes the logical tensor layout, row-major. Adafactor uses
	// it to decide whether the second-moment estimate can be factored.
	Shape []int
	Data  []float32
	Grad  []float32
	// NoDecay excludes the parameter from weight decay (biases, norms).
	NoDecay bool
}

// NewParameter allocates a parameter of the given shape with a zeroed
// gradient buffer.
func NewParameter(name string, shape []int, data []float32) *Parameter {
	return &Parameter{
		Name:  name,
		Shape: shape,
		Data:  data,
		Grad:  make([]float32, len(data)),
	}
}

// noDecayNames marks the parameter kinds conventionally excluded from
// weight decay.
var noDecayNames = []string{"bias", "LayerNorm.weight"}

// MarkNoDecay sets NoDecay on every parameter whose name contains a
// component that weight decay conventionally skips, such as a bias or a
// layer-norm weight. Already-marked parameters stay marked.
func MarkNoDecay(params []*Parameter) {
	for _, p := range params {
		for _, n := range noDecayNames {
			if strings.Contains(p.Name, n) {
				p.NoDecay = true
				break
			}
		}
	}
}

// ZeroGrad resets the gradient buffer in place.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ZeroGrads resets the gradients of all parameters.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// GradNorm computes the global L2 norm over the gradients of all parameters.
func GradNorm(params []*Parameter) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.Grad {
			sum += float64(g) * float64(g)
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm scales all gradients so their global L2 norm does not exceed
// maxNorm. Returns the pre-clip norm. A non-positive maxNorm disables
// clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}

	scale := maxNorm / norm
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = float32(float64(p.Grad[i]) * scale)
		}
	}
	return norm
}

// HasNonFiniteGrad reports whether any gradient entry is NaN or Inf.
func HasNonFiniteGrad(params []*Parameter) bool {
	for _, p := range params {
		for _, g := range p.Grad {
			f := float64(g)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return true
			}
		}
	}
	return false
}

// rms is the root-mean-square of a slice, used by Adafactor for both
// parameter scaling and update clipping.
func rms(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum / float64(len(v)))
}
