package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-latentsep/config"
)

func TestWarmupCosineScheduler(t *testing.T) {
	scheduler, err := NewWarmupCosineScheduler(100, 1000, 1e-5)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	maxLR := 1e-3

	tests := []struct {
		step       int
		expectedLR float64
	}{
		{0, 0},
		{50, 5e-4},     // Halfway through warmup
		{100, 1e-3},    // Peak
		{550, 5.05e-4}, // Halfway through decay: (max+min)/2
		{1000, 1e-5},   // End of schedule
		{2000, 1e-5},   // Clamped
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(0, tt.step, maxLR)
		if math.Abs(lr-tt.expectedLR) > 1e-10 {
			t.Errorf("Step %d: expected LR %g, got %g", tt.step, tt.expectedLR, lr)
		}
	}
}

func TestWarmupCosineContinuity(t *testing.T) {
	scheduler, _ := NewWarmupCosineScheduler(100, 1000, 1e-5)
	maxLR := 1e-3

	// Both branches agree at the warmup boundary
	ramp := maxLR * float64(100) / float64(100)
	if lr := scheduler.LR(100, maxLR); math.Abs(lr-ramp) > 1e-12 {
		t.Errorf("Discontinuity at warmup: ramp %g, cosine %g", ramp, lr)
	}
	if delta := scheduler.LR(100, maxLR) - scheduler.LR(99, maxLR); delta > maxLR/100+1e-12 {
		t.Errorf("Jump of %g across the warmup boundary", delta)
	}

	// Non-increasing after warmup, never below min_lr
	prev := scheduler.LR(100, maxLR)
	for step := 101; step <= 1200; step++ {
		lr := scheduler.LR(step, maxLR)
		if lr > prev+1e-15 {
			t.Fatalf("LR increased at step %d: %g -> %g", step, prev, lr)
		}
		if lr < 1e-5-1e-15 {
			t.Fatalf("LR below min_lr at step %d: %g", step, lr)
		}
		prev = lr
	}
}

func TestWarmupCosineZeroWarmup(t *testing.T) {
	scheduler, err := NewWarmupCosineScheduler(0, 10, 0)
	if err != nil {
		t.Fatalf("Zero warmup should be valid: %v", err)
	}
	if lr := scheduler.LR(0, 1.0); lr != 1.0 {
		t.Errorf("Expected full LR at step 0 without warmup, got %g", lr)
	}
}

func TestWarmupCosineBounds(t *testing.T) {
	tests := []struct {
		warmup, maxSteps int
		minLR            float64
	}{
		{-1, 10, 0},
		{10, 10, 0},
		{20, 10, 0},
		{0, 0, 0},
		{0, 10, -1},
	}
	for _, tt := range tests {
		_, err := NewWarmupCosineScheduler(tt.warmup, tt.maxSteps, tt.minLR)
		if !errors.Is(err, config.ErrConfig) {
			t.Errorf("warmup %d max_steps %d min_lr %g: expected ErrConfig, got %v",
				tt.warmup, tt.maxSteps, tt.minLR, err)
		}
	}
}

func TestMaxSteps(t *testing.T) {
	tests := []struct {
		epochs, batches, accum, want int
	}{
		{30, 100, 2, 1500},
		{3, 5, 2, 7},
		{1, 1, 4, 0},
		{1, 10, 0, 0},
	}
	for _, tt := range tests {
		if got := MaxSteps(tt.epochs, tt.batches, tt.accum); got != tt.want {
			t.Errorf("MaxSteps(%d, %d, %d) = %d, want %d", tt.epochs, tt.batches, tt.accum, got, tt.want)
		}
	}
}

func TestSchedulerNames(t *testing.T) {
	schedulers := []struct {
		scheduler LRScheduler
		name      string
	}{
		{&WarmupCosineScheduler{Warmup: 1, MaxSteps: 2}, "WarmupCosine"},
		{&ConstantScheduler{}, "ConstantLR"},
	}
	for _, s := range schedulers {
		if s.scheduler.GetName() != s.name {
			t.Errorf("Expected name %s, got %s", s.name, s.scheduler.GetName())
		}
	}
	if lr := (&ConstantScheduler{}).GetLR(3, 500, 0.1); lr != 0.1 {
		t.Errorf("Constant scheduler changed LR: %g", lr)
	}
}
