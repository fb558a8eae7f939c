// Package dataset supplies (mixture, target latent paths) examples and groups
// them into batches for the training loop.
package dataset

import (
	"fmt"
)

// Example is one training or evaluation item: a mono mixture waveform and the
// paths of its per-speaker target latents.
type Example struct {
	Mixture     []float32
	LatentPaths []string
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                    // Total number of examples
	Get(idx int) (Example, error) // Returns a single example
}

// InMemory is a Dataset over a fixed slice of examples
type InMemory struct {
	examples []Example
}

// NewInMemory creates a dataset that serves the given examples
func NewInMemory(examples []Example) *InMemory {
	return &InMemory{examples: examples}
}

// Len returns the number of examples
func (ds *InMemory) Len() int {
	return len(ds.examples)
}

// Get returns example idx
func (ds *InMemory) Get(idx int) (Example, error) {
	if idx < 0 || idx >= len(ds.examples) {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.examples))
	}
	return ds.examples[idx], nil
}
