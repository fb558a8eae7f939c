package separator

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-latentsep/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// LinearConfig configures the reference separator
type LinearConfig struct {
	NSpk  int   // Output heads
	Depth int   // Residual channel-mixing layers shared by all heads
	Seed  int64 // Weight initialisation seed
}

// Linear is a small trainable stand-in for a real separator. The mixture is
// encoded by a frozen codec, passed through Depth residual layers
// y <- y + U_l y that mix channels frame by frame, and each head k emits
// W_k y + b_k.
type Linear struct {
	codec    Codec
	nSpk     int
	channels int

	trunk   []*tensor.Parameter // U_l, [C,C]
	weights []*tensor.Parameter // W_k, [C,C]
	biases  []*tensor.Parameter // b_k, [C]

	training bool
	acts     []*tensor.Tensor // y_0..y_Depth of the pending training forward
}

// NewLinear creates a reference separator on top of codec
func NewLinear(codec Codec, channels int, config LinearConfig) (*Linear, error) {
	if config.NSpk <= 0 {
		return nil, fmt.Errorf("separator needs at least one head, got %d", config.NSpk)
	}
	if config.Depth < 0 {
		return nil, fmt.Errorf("depth cannot be negative: %d", config.Depth)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	std := float32(1 / math.Sqrt(float64(channels)))

	m := &Linear{
		codec:    codec,
		nSpk:     config.NSpk,
		channels: channels,
		training: true,
	}
	for l := 0; l < config.Depth; l++ {
		u, err := tensor.RandomNormal(rng, []int{channels, channels}, 0, 0.1*std)
		if err != nil {
			return nil, err
		}
		m.trunk = append(m.trunk, tensor.NewParameter(fmt.Sprintf("trunk%d.weight", l), u))
	}
	for k := 0; k < config.NSpk; k++ {
		w, err := tensor.RandomNormal(rng, []int{channels, channels}, 0, std)
		if err != nil {
			return nil, err
		}
		b, err := tensor.Zeros(channels)
		if err != nil {
			return nil, err
		}
		m.weights = append(m.weights, tensor.NewParameter(fmt.Sprintf("head%d.weight", k), w))
		m.biases = append(m.biases, tensor.NewParameter(fmt.Sprintf("head%d.bias", k), b))
	}
	return m, nil
}

// Parameters returns trunk weights followed by each head's weight and bias
func (m *Linear) Parameters() []*tensor.Parameter {
	params := append([]*tensor.Parameter(nil), m.trunk...)
	for k := range m.weights {
		params = append(params, m.weights[k], m.biases[k])
	}
	return params
}

// Train enables activation caching for Backward
func (m *Linear) Train() { m.training = true }

// Eval disables activation caching
func (m *Linear) Eval() {
	m.training = false
	m.acts = nil
}

// matrix views example b of a [B,rows,cols] tensor as a row-major matrix
func matrix(t *tensor.Tensor, b, rows, cols int) blas32.General {
	size := rows * cols
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: t.Data[b*size : (b+1)*size]}
}

func square(p *tensor.Parameter, value bool) blas32.General {
	t := p.Grad
	if value {
		t = p.Value
	}
	n := t.Shape[0]
	return blas32.General{Rows: n, Cols: n, Stride: n, Data: t.Data}
}

// Forward encodes the mixture and returns one latent per head. State is passed
// through unchanged.
func (m *Linear) Forward(mixture *tensor.Tensor, state State) ([]*tensor.Tensor, State, error) {
	z, err := m.codec.Encode(mixture)
	if err != nil {
		return nil, state, err
	}
	if z.Shape[1] != m.channels {
		return nil, state, fmt.Errorf("%w: codec produced %d channels, separator expects %d",
			tensor.ErrShapeMismatch, z.Shape[1], m.channels)
	}
	batch, frames := z.Shape[0], z.Shape[2]
	c := m.channels

	acts := []*tensor.Tensor{z}
	y := z
	for _, u := range m.trunk {
		next := y.Clone()
		for b := 0; b < batch; b++ {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, square(u, true), matrix(y, b, c, frames), 1, matrix(next, b, c, frames))
		}
		acts = append(acts, next)
		y = next
	}

	outputs := make([]*tensor.Tensor, m.nSpk)
	for k := range outputs {
		out := tensor.ZerosLike(y)
		bias := m.biases[k].Value.Data
		for b := 0; b < batch; b++ {
			dst := matrix(out, b, c, frames)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, square(m.weights[k], true), matrix(y, b, c, frames), 0, dst)
			for ch := 0; ch < c; ch++ {
				row := dst.Data[ch*frames : (ch+1)*frames]
				for f := range row {
					row[f] += bias[ch]
				}
			}
		}
		outputs[k] = out
	}

	if m.training {
		m.acts = acts
	}
	return outputs, state, nil
}

// Backward accumulates gradients for every parameter from dLoss/dOutput.
// Each training Forward supports exactly one Backward.
func (m *Linear) Backward(gradOutputs []*tensor.Tensor) error {
	if !m.training || m.acts == nil {
		return ErrNotTraining
	}
	acts := m.acts
	m.acts = nil

	if len(gradOutputs) != m.nSpk {
		return fmt.Errorf("%w: got %d output gradients for %d heads", tensor.ErrShapeMismatch, len(gradOutputs), m.nSpk)
	}
	y := acts[len(acts)-1]
	for k, g := range gradOutputs {
		if err := tensor.CheckSameShape(y, g); err != nil {
			return fmt.Errorf("head %d gradient: %w", k, err)
		}
	}

	batch, frames := y.Shape[0], y.Shape[2]
	c := m.channels

	dy := tensor.ZerosLike(y)
	for k, g := range gradOutputs {
		dBias := m.biases[k].Grad.Data
		for b := 0; b < batch; b++ {
			gb := matrix(g, b, c, frames)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, gb, matrix(y, b, c, frames), 1, square(m.weights[k], false))
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, square(m.weights[k], true), gb, 1, matrix(dy, b, c, frames))
			for ch := 0; ch < c; ch++ {
				for _, v := range gb.Data[ch*frames : (ch+1)*frames] {
					dBias[ch] += v
				}
			}
		}
	}

	for l := len(m.trunk) - 1; l >= 0; l-- {
		prev := acts[l]
		u := m.trunk[l]
		dPrev := dy.Clone()
		for b := 0; b < batch; b++ {
			db := matrix(dy, b, c, frames)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, db, matrix(prev, b, c, frames), 1, square(u, false))
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, square(u, true), db, 1, matrix(dPrev, b, c, frames))
		}
		dy = dPrev
	}
	return nil
}

var _ Separator = (*Linear)(nil)
