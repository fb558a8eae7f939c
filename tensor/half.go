package tensor

import (
	"github.com/x448/float16"
)

// MaxHalf is the largest finite IEEE 754 binary16 value
const MaxHalf = 65504.0

// RoundTripHalf casts every element to binary16 and back, in place.
// Values outside the half range become +-Inf, exactly as a half-precision
// gradient buffer would store them.
func RoundTripHalf(x *Tensor) {
	for i, v := range x.Data {
		x.Data[i] = float16.Fromfloat32(v).Float32()
	}
}

// ToHalf encodes x as raw binary16 bits
func ToHalf(x *Tensor) []uint16 {
	out := make([]uint16, len(x.Data))
	for i, v := range x.Data {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// FromHalf decodes raw binary16 bits into a tensor of the given shape
func FromHalf(shape []int, bits []uint16) (*Tensor, error) {
	data := make([]float32, len(bits))
	for i, b := range bits {
		data[i] = float16.Frombits(b).Float32()
	}
	return New(shape, data)
}
