package tensor

import (
	"fmt"
)

// Reshape returns a view over the same data with a different shape.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	inferred := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferred = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			known *= dim
		}
	}

	if inferred >= 0 {
		if t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d: size must be divisible by %d", t.NumElems, known)
		}
		shape[inferred] = t.NumElems / known
		known *= shape[inferred]
	}

	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, shape)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		NumElems: t.NumElems,
		Data:     t.Data,
	}, nil
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		NumElems: t.NumElems,
		Data:     data,
	}
}

// At returns the element at the given coordinates
func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

// SetAt stores value at the given coordinates
func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return idx, nil
}

// Slice0 returns a view of the i-th entry along the leading dimension,
// keeping that dimension with size 1.
func (t *Tensor) Slice0(i int) (*Tensor, error) {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("index %d out of range for leading dimension of %v", i, t.Shape)
	}
	size := t.NumElems / t.Shape[0]
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	shape[0] = 1
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		NumElems: size,
		Data:     t.Data[i*size : (i+1)*size],
	}, nil
}

// Concat0 joins tensors along the leading dimension. All trailing dimensions must agree.
func Concat0(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	first := parts[0]
	lead := 0
	for i, p := range parts {
		if len(p.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("%w: part %d has rank %d, want %d", ErrShapeMismatch, i, len(p.Shape), len(first.Shape))
		}
		for d := 1; d < len(p.Shape); d++ {
			if p.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("%w: part %d has shape %v, want trailing %v", ErrShapeMismatch, i, p.Shape, first.Shape[1:])
			}
		}
		lead += p.Shape[0]
	}

	shape := make([]int, len(first.Shape))
	copy(shape, first.Shape)
	shape[0] = lead

	data := make([]float32, 0, calculateNumElements(shape))
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	return New(shape, data)
}
