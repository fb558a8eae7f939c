package latent

import (
	"fmt"

	"github.com/tsawler/go-latentsep/tensor"
)

// Stack regroups B*nSpk per-example latents, ordered example-major
// (example 0 speakers 0..nSpk-1, then example 1, ...), into nSpk speaker
// tensors of shape [B,C,F].
func Stack(latents []*tensor.Tensor, nSpk int) ([]*tensor.Tensor, error) {
	if nSpk <= 0 {
		return nil, fmt.Errorf("speaker count must be positive, got %d", nSpk)
	}
	if len(latents) == 0 || len(latents)%nSpk != 0 {
		return nil, fmt.Errorf("%w: %d latents cannot be split into groups of %d speakers",
			tensor.ErrShapeMismatch, len(latents), nSpk)
	}

	batch := len(latents) / nSpk
	ref := latents[0]
	for i, l := range latents {
		if err := tensor.CheckSameShape(ref, l); err != nil {
			return nil, fmt.Errorf("latent %d: %w", i, err)
		}
	}

	out := make([]*tensor.Tensor, nSpk)
	for s := 0; s < nSpk; s++ {
		parts := make([]*tensor.Tensor, batch)
		for b := 0; b < batch; b++ {
			parts[b] = latents[b*nSpk+s]
		}
		stacked, err := tensor.Concat0(parts)
		if err != nil {
			return nil, fmt.Errorf("speaker %d: %w", s, err)
		}
		out[s] = stacked
	}
	return out, nil
}
