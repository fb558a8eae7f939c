package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

func vec(t *Tensor) blas32.Vector {
	return blas32.Vector{N: len(t.Data), Data: t.Data, Inc: 1}
}

// Sub returns a - b
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := CheckSameShape(a, b); err != nil {
		return nil, err
	}
	out := a.Clone()
	blas32.Axpy(-1, vec(b), vec(out))
	return out, nil
}

// SquaredError returns the elementwise (a - b)^2
func SquaredError(a, b *Tensor) (*Tensor, error) {
	diff, err := Sub(a, b)
	if err != nil {
		return nil, err
	}
	for i, d := range diff.Data {
		diff.Data[i] = d * d
	}
	return diff, nil
}

// MSE returns mean((a - b)^2) over every element
func MSE(a, b *Tensor) (float64, error) {
	diff, err := Sub(a, b)
	if err != nil {
		return 0, err
	}
	v := vec(diff)
	return float64(blas32.Dot(v, v)) / float64(diff.NumElems), nil
}

// Axpy computes y += alpha * x in place
func Axpy(alpha float32, x, y *Tensor) error {
	if err := CheckSameShape(x, y); err != nil {
		return err
	}
	blas32.Axpy(alpha, vec(x), vec(y))
	return nil
}

// Scale multiplies every element of x by alpha in place
func Scale(alpha float32, x *Tensor) {
	if len(x.Data) == 0 {
		return
	}
	blas32.Scal(alpha, vec(x))
}

// Norm2 returns the Euclidean norm of all elements
func Norm2(x *Tensor) float64 {
	if len(x.Data) == 0 {
		return 0
	}
	return float64(blas32.Nrm2(vec(x)))
}

// Fill sets every element of x to value
func Fill(x *Tensor, value float32) {
	for i := range x.Data {
		x.Data[i] = value
	}
}

// AllFinite reports whether no element is NaN or +-Inf
func AllFinite(x *Tensor) bool {
	for _, v := range x.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Mean returns the arithmetic mean of all elements
func Mean(x *Tensor) float64 {
	if x.NumElems == 0 {
		return 0
	}
	var sum float64
	for _, v := range x.Data {
		sum += float64(v)
	}
	return sum / float64(x.NumElems)
}

// MeanPerSample returns the mean of each entry along the leading dimension
func MeanPerSample(x *Tensor) ([]float64, error) {
	if x.Dim() < 1 {
		return nil, fmt.Errorf("tensor has no leading dimension")
	}
	batch := x.Shape[0]
	size := x.NumElems / batch
	out := make([]float64, batch)
	for b := 0; b < batch; b++ {
		var sum float64
		for _, v := range x.Data[b*size : (b+1)*size] {
			sum += float64(v)
		}
		out[b] = sum / float64(size)
	}
	return out, nil
}
