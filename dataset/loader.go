package dataset

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/tsawler/go-latentsep/tensor"
)

// LoaderConfig holds configuration for the data loader
type LoaderConfig struct {
	BatchSize int   // Examples per batch
	NSpk      int   // Latent paths per example
	Shuffle   bool  // Randomise order once per epoch
	Seed      int64 // Shuffle seed; epoch e uses Seed+e
	Workers   int   // Examples decoded concurrently (default: 2)
	Prefetch  int   // Batches buffered ahead of the consumer (default: 2)
}

// Loader produces batches from a Dataset. Each epoch is consumed through its
// own Iterator; batches arrive in a fixed order for that epoch.
type Loader struct {
	dataset Dataset
	config  LoaderConfig
}

// NewLoader creates a new Loader
func NewLoader(ds Dataset, config LoaderConfig) (*Loader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NSpk <= 0 {
		return nil, fmt.Errorf("speaker count must be positive, got %d", config.NSpk)
	}

	// Set defaults
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}

	return &Loader{dataset: ds, config: config}, nil
}

// Len returns the number of batches in an epoch
func (l *Loader) Len() int {
	return (l.dataset.Len() + l.config.BatchSize - 1) / l.config.BatchSize
}

// Order returns the example order for an epoch
func (l *Loader) Order(epoch int) []int {
	n := l.dataset.Len()
	if !l.config.Shuffle {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	rng := rand.New(rand.NewSource(l.config.Seed + int64(epoch)))
	return rng.Perm(n)
}

type loadResult struct {
	batch *Batch
	err   error
}

// Iterator delivers the batches of one epoch
type Iterator struct {
	results chan loadResult
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    bool
}

// Epoch starts background loading for the given epoch. The caller must Close
// the iterator, even after Next has returned io.EOF.
func (l *Loader) Epoch(ctx context.Context, epoch int) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		results: make(chan loadResult, l.config.Prefetch),
		cancel:  cancel,
	}

	order := l.Order(epoch)
	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(it.results)

		for start := 0; start < len(order); start += l.config.BatchSize {
			end := start + l.config.BatchSize
			if end > len(order) {
				end = len(order)
			}

			if ctx.Err() != nil {
				return
			}
			batch, err := l.loadBatch(order[start:end])
			select {
			case it.results <- loadResult{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return it
}

// loadBatch decodes the examples of one batch concurrently and collates them
func (l *Loader) loadBatch(indices []int) (*Batch, error) {
	examples := make([]Example, len(indices))
	errs := make([]error, len(indices))

	tensor.ParallelFor(len(indices), l.config.Workers, func(i int) {
		examples[i], errs[i] = l.dataset.Get(indices[i])
	})

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", indices[i], err)
		}
	}

	batch, err := Collate(examples, l.config.NSpk)
	if err != nil {
		return nil, err
	}
	batch.Indices = append([]int(nil), indices...)
	return batch, nil
}

// Next returns the next batch, or io.EOF once the epoch is exhausted
func (it *Iterator) Next() (*Batch, error) {
	if it.done {
		return nil, io.EOF
	}
	res, ok := <-it.results
	if !ok {
		it.done = true
		return nil, io.EOF
	}
	if res.err != nil {
		it.done = true
		return nil, fmt.Errorf("failed to load batch: %w", res.err)
	}
	return res.batch, nil
}

// Close stops background loading and releases the producer
func (it *Iterator) Close() {
	it.cancel()
	for range it.results {
	}
	it.wg.Wait()
}
