// Package tensor provides the CPU-resident float32 tensors used for latents,
// waveforms and trainable parameters.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned whenever two tensors that must agree in shape do not.
// It is never resolved by broadcasting.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense, row-major float32 array
type Tensor struct {
	Shape    []int
	Strides  []int
	NumElems int
	Data     []float32
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Dim returns the number of dimensions
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Numel returns the total number of elements
func (t *Tensor) Numel() int {
	return t.NumElems
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// SameShape reports whether a and b have identical dimensions
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i, dim := range a.Shape {
		if dim != b.Shape[i] {
			return false
		}
	}
	return true
}

// CheckSameShape returns an error wrapping ErrShapeMismatch if a and b differ
func CheckSameShape(a, b *Tensor) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: nil tensor", ErrShapeMismatch)
	}
	if !SameShape(a, b) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}
