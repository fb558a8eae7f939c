package dataset

import (
	"fmt"

	"github.com/tsawler/go-latentsep/tensor"
)

// Batch groups B examples: mixtures stacked as [B,1,T] and latent paths
// flattened example-major into B*n_spk entries.
type Batch struct {
	Mixture     *tensor.Tensor
	LatentPaths []string
	Indices     []int // Dataset indices of the examples, in batch order
}

// Size returns the number of examples in the batch
func (b *Batch) Size() int {
	return b.Mixture.Shape[0]
}

// Collate stacks examples into a batch. Every example must carry exactly nSpk
// latent paths and all mixtures must have the same length.
func Collate(examples []Example, nSpk int) (*Batch, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("cannot collate an empty batch")
	}

	length := len(examples[0].Mixture)
	if length == 0 {
		return nil, fmt.Errorf("example 0 has an empty mixture")
	}

	data := make([]float32, 0, len(examples)*length)
	paths := make([]string, 0, len(examples)*nSpk)
	for i, ex := range examples {
		if len(ex.LatentPaths) != nSpk {
			return nil, fmt.Errorf("%w: example %d has %d latent paths, expected %d",
				tensor.ErrShapeMismatch, i, len(ex.LatentPaths), nSpk)
		}
		if len(ex.Mixture) != length {
			return nil, fmt.Errorf("%w: example %d has %d samples, expected %d",
				tensor.ErrShapeMismatch, i, len(ex.Mixture), length)
		}
		data = append(data, ex.Mixture...)
		paths = append(paths, ex.LatentPaths...)
	}

	mixture, err := tensor.New([]int{len(examples), 1, length}, data)
	if err != nil {
		return nil, err
	}
	return &Batch{Mixture: mixture, LatentPaths: paths}, nil
}
