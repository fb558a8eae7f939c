// Package separator defines the interfaces the training loop uses to drive a
// separation model and its latent codec, plus small reference implementations
// used for smoke runs and tests.
package separator

import (
	"errors"

	"github.com/tsawler/go-latentsep/tensor"
)

// ErrNotTraining is returned by Backward when no training-mode forward pass
// is pending.
var ErrNotTraining = errors.New("backward called without a training forward pass")

// State is carried between Forward calls by recurrent separators. Stateless
// models return nil.
type State any

// Codec converts waveforms into latents
type Codec interface {
	// Encode maps a waveform batch [B,1,T] to latents [B,C,F]
	Encode(wave *tensor.Tensor) (*tensor.Tensor, error)
	// LatentShape returns the latent channels and frames produced for T samples
	LatentShape(samples int) (channels, frames int)
}

// Separator predicts one latent stream per output head from a mixture
type Separator interface {
	// Forward maps a mixture [B,1,T] to n_spk latents [B,C,F]
	Forward(mixture *tensor.Tensor, state State) ([]*tensor.Tensor, State, error)
	// Backward accumulates parameter gradients from dLoss/dOutput of the last
	// training-mode Forward
	Backward(gradOutputs []*tensor.Tensor) error
	Parameters() []*tensor.Parameter
	Train()
	Eval()
}
