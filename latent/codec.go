// Package latent reads, writes and caches the precomputed codec latents that
// serve as separation targets.
package latent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/tsawler/go-latentsep/tensor"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrIO marks failures reading or writing latent files
var ErrIO = errors.New("latent io")

// File layout, protobuf wire format:
//
//	Latent { 1: packed shape, 2: packed fixed32 data | 3: little-endian binary16 bytes }
const (
	fieldShape protowire.Number = 1
	fieldData  protowire.Number = 2
	fieldHalf  protowire.Number = 3
)

// Encode serialises a latent. With half set the values are stored as binary16,
// halving the file size; values beyond the half range are stored as +-Inf.
func Encode(t *tensor.Tensor, half bool) []byte {
	var packed []byte
	for _, d := range t.Shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b := protowire.AppendTag(nil, fieldShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if half {
		bits := tensor.ToHalf(t)
		raw := make([]byte, 2*len(bits))
		for i, h := range bits {
			binary.LittleEndian.PutUint16(raw[2*i:], h)
		}
		b = protowire.AppendTag(b, fieldHalf, protowire.BytesType)
		return protowire.AppendBytes(b, raw)
	}

	values := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		values = protowire.AppendFixed32(values, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	return protowire.AppendBytes(b, values)
}

// Decode parses a latent produced by Encode
func Decode(b []byte) (*tensor.Tensor, error) {
	var (
		shape []int
		data  []float32
		half  []uint16
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		b = b[m:]

		switch num {
		case fieldShape:
			for len(v) > 0 {
				d, k := protowire.ConsumeVarint(v)
				if k < 0 {
					return nil, protowire.ParseError(k)
				}
				shape = append(shape, int(d))
				v = v[k:]
			}
		case fieldData:
			if len(v)%4 != 0 {
				return nil, fmt.Errorf("fp32 payload of %d bytes is not a multiple of 4", len(v))
			}
			data = make([]float32, len(v)/4)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[4*i:]))
			}
		case fieldHalf:
			if len(v)%2 != 0 {
				return nil, fmt.Errorf("fp16 payload of %d bytes is not a multiple of 2", len(v))
			}
			half = make([]uint16, len(v)/2)
			for i := range half {
				half[i] = binary.LittleEndian.Uint16(v[2*i:])
			}
		}
	}

	if len(shape) == 0 {
		return nil, fmt.Errorf("latent has no shape")
	}
	if half != nil {
		return tensor.FromHalf(shape, half)
	}
	if data == nil {
		return nil, fmt.Errorf("latent has no data")
	}
	return tensor.New(shape, data)
}

// Save writes a latent file, replacing any existing one
func Save(path string, t *tensor.Tensor, half bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := os.WriteFile(path, Encode(t, half), 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// Read loads a latent file from disk. Two-dimensional [C,F] latents are
// returned as [1,C,F].
func Read(path string) (*tensor.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	t, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIO, path, err)
	}
	if t.Dim() == 2 {
		t, _ = t.Reshape(1, t.Shape[0], t.Shape[1])
	}
	if t.Dim() != 3 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: %s: latent shape %v, expected [1,C,F]", tensor.ErrShapeMismatch, path, t.Shape)
	}
	return t, nil
}
