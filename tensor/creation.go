package tensor

import (
	"fmt"
	"math/rand"
)

// New wraps data in a tensor of the given shape. A nil data slice allocates zeros.
// The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		NumElems: numElems,
		Data:     data,
	}, nil
}

// Zeros allocates a zero-filled tensor
func Zeros(shape ...int) (*Tensor, error) {
	return New(shape, nil)
}

// ZerosLike allocates a zero-filled tensor with the shape of t
func ZerosLike(t *Tensor) *Tensor {
	z, _ := New(t.Shape, nil)
	return z
}

// Full allocates a tensor filled with value
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal draws every element from N(mean, std^2) using rng
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}
