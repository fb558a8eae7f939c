package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-latentsep/config"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the step, so resuming only needs the step.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch and global step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// WarmupCosineScheduler ramps linearly from 0 to baseLR over Warmup steps,
// then follows a half cosine down to MinLR at MaxSteps and stays there.
type WarmupCosineScheduler struct {
	Warmup   int
	MaxSteps int
	MinLR    float64
}

// NewWarmupCosineScheduler validates 0 <= warmup < maxSteps
func NewWarmupCosineScheduler(warmup, maxSteps int, minLR float64) (*WarmupCosineScheduler, error) {
	if warmup < 0 || warmup >= maxSteps {
		return nil, fmt.Errorf("%w: scheduler needs 0 <= warmup < max_steps, got warmup %d and max_steps %d",
			config.ErrConfig, warmup, maxSteps)
	}
	if minLR < 0 {
		return nil, fmt.Errorf("%w: min_lr cannot be negative, got %g", config.ErrConfig, minLR)
	}
	return &WarmupCosineScheduler{
		Warmup:   warmup,
		MaxSteps: maxSteps,
		MinLR:    minLR,
	}, nil
}

// MaxSteps is the number of optimizer steps in a run: one per grad_accum
// training batches
func MaxSteps(epochs, batchesPerEpoch, gradAccum int) int {
	if gradAccum <= 0 {
		return 0
	}
	return epochs * batchesPerEpoch / gradAccum
}

func (s *WarmupCosineScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	switch {
	case step < s.Warmup:
		return baseLR * float64(step) / float64(s.Warmup)
	case step < s.MaxSteps:
		progress := float64(step-s.Warmup) / float64(s.MaxSteps-s.Warmup)
		return s.MinLR + 0.5*(baseLR-s.MinLR)*(1+math.Cos(math.Pi*progress))
	default:
		return s.MinLR
	}
}

// LR is GetLR for callers that only track the step
func (s *WarmupCosineScheduler) LR(step int, baseLR float64) float64 {
	return s.GetLR(0, step, baseLR)
}

func (s *WarmupCosineScheduler) GetName() string {
	return "WarmupCosine"
}

// ConstantScheduler keeps the base learning rate
type ConstantScheduler struct{}

func (s *ConstantScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantScheduler) GetName() string {
	return "ConstantLR"
}
