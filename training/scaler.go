package training

import (
	"github.com/tsawler/go-latentsep/tensor"
)

// Dynamic loss scaling defaults
const (
	DefaultInitScale   = 65536.0
	DefaultGrowth      = 2.0
	DefaultBackoff     = 0.5
	DefaultGrowthEvery = 2000
)

// LossScaler implements dynamic loss scaling for mixed precision. The loss is
// multiplied by Scale before backward so small gradients survive the half
// precision cast; gradients are divided by it again before the update.
// A disabled scaler keeps a scale of 1.
type LossScaler struct {
	enabled     bool
	scale       float64
	growth      float64
	backoff     float64
	growthEvery int
	cleanSteps  int
}

// NewLossScaler creates a scaler; when enabled it starts at 65536, doubles
// after 2000 overflow-free steps and halves on overflow.
func NewLossScaler(enabled bool) *LossScaler {
	s := &LossScaler{
		enabled:     enabled,
		scale:       1,
		growth:      DefaultGrowth,
		backoff:     DefaultBackoff,
		growthEvery: DefaultGrowthEvery,
	}
	if enabled {
		s.scale = DefaultInitScale
	}
	return s
}

// Enabled reports whether loss scaling is active
func (s *LossScaler) Enabled() bool { return s.enabled }

// Scale returns the current loss scale
func (s *LossScaler) Scale() float64 { return s.scale }

// Unscale divides every gradient by the current scale
func (s *LossScaler) Unscale(params []*tensor.Parameter) {
	if s.scale == 1 {
		return
	}
	inv := float32(1 / s.scale)
	for _, p := range params {
		tensor.Scale(inv, p.Grad)
	}
}

// Update adjusts the scale after a completed cycle
func (s *LossScaler) Update(overflow bool) {
	if !s.enabled {
		return
	}
	if overflow {
		s.scale *= s.backoff
		if s.scale < 1 {
			s.scale = 1
		}
		s.cleanSteps = 0
		return
	}
	s.cleanSteps++
	if s.cleanSteps >= s.growthEvery {
		s.scale *= s.growth
		s.cleanSteps = 0
	}
}
