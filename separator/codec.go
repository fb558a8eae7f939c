package separator

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-latentsep/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// FrameCodec is a frozen linear analysis codec: the waveform is cut into
// non-overlapping frames of Hop samples and each frame is projected onto
// Channels fixed basis vectors. Trailing samples that do not fill a frame are
// dropped.
type FrameCodec struct {
	Channels int
	Hop      int
	basis    *tensor.Tensor // [Channels, Hop]
}

// NewFrameCodec builds a codec with a Gaussian basis drawn from seed
func NewFrameCodec(channels, hop int, seed int64) (*FrameCodec, error) {
	if channels <= 0 || hop <= 0 {
		return nil, fmt.Errorf("codec needs positive channels and hop, got %d and %d", channels, hop)
	}
	rng := rand.New(rand.NewSource(seed))
	basis, err := tensor.RandomNormal(rng, []int{channels, hop}, 0, float32(1/math.Sqrt(float64(hop))))
	if err != nil {
		return nil, err
	}
	return &FrameCodec{Channels: channels, Hop: hop, basis: basis}, nil
}

// LatentShape returns the latent size for a waveform of the given length
func (c *FrameCodec) LatentShape(samples int) (int, int) {
	return c.Channels, samples / c.Hop
}

// Encode maps [B,1,T] to [B,Channels,T/Hop]
func (c *FrameCodec) Encode(wave *tensor.Tensor) (*tensor.Tensor, error) {
	if wave.Dim() != 3 || wave.Shape[1] != 1 {
		return nil, fmt.Errorf("%w: codec expects [B,1,T], got %v", tensor.ErrShapeMismatch, wave.Shape)
	}
	batch, samples := wave.Shape[0], wave.Shape[2]
	_, frames := c.LatentShape(samples)
	if frames == 0 {
		return nil, fmt.Errorf("%w: %d samples is shorter than one %d-sample frame",
			tensor.ErrShapeMismatch, samples, c.Hop)
	}

	out, err := tensor.Zeros(batch, c.Channels, frames)
	if err != nil {
		return nil, err
	}

	basis := blas32.General{Rows: c.Channels, Cols: c.Hop, Stride: c.Hop, Data: c.basis.Data}
	for b := 0; b < batch; b++ {
		// latent[b] = basis x frames^T, frames being the [frames, Hop] row-major view of wave[b]
		framesView := blas32.General{Rows: frames, Cols: c.Hop, Stride: c.Hop, Data: wave.Data[b*samples : b*samples+frames*c.Hop]}
		dst := blas32.General{Rows: c.Channels, Cols: frames, Stride: frames, Data: out.Data[b*c.Channels*frames : (b+1)*c.Channels*frames]}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, basis, framesView, 0, dst)
	}
	return out, nil
}
