package tensor

import (
	"fmt"
	"math"
)

// Parameter is a trainable tensor with its gradient buffer.
// Gradients accumulate across backward passes until ZeroGrad.
type Parameter struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

// NewParameter wraps value and allocates a matching zero gradient
func NewParameter(name string, value *Tensor) *Parameter {
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  ZerosLike(value),
	}
}

// AccumulateGrad adds g into the gradient buffer
func (p *Parameter) AccumulateGrad(g *Tensor) error {
	if err := Axpy(1, g, p.Grad); err != nil {
		return fmt.Errorf("parameter %s: %w", p.Name, err)
	}
	return nil
}

// ZeroGrad resets the gradients of all parameters
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		Fill(p.Grad, 0)
	}
}

// GradNorm returns the global L2 norm over all gradient buffers
func GradNorm(params []*Parameter) float64 {
	var sq float64
	for _, p := range params {
		n := Norm2(p.Grad)
		sq += n * n
	}
	return math.Sqrt(sq)
}

// GradsFinite reports whether every gradient element is finite
func GradsFinite(params []*Parameter) bool {
	for _, p := range params {
		if !AllFinite(p.Grad) {
			return false
		}
	}
	return true
}

// ClipGradNorm rescales all gradients so their global norm does not exceed maxNorm.
// It returns the norm measured before clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	total := GradNorm(params)
	if maxNorm <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return total
	}
	if coef := maxNorm / (total + 1e-6); coef < 1 {
		for _, p := range params {
			Scale(float32(coef), p.Grad)
		}
	}
	return total
}
