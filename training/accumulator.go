package training

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-latentsep/config"
	"github.com/tsawler/go-latentsep/optimizer"
	"github.com/tsawler/go-latentsep/tensor"
)

// ErrNumericOverflow marks a cycle whose unscaled gradients were not finite.
// It is reported in StepOutcome.Err and recovered by skipping the update.
var ErrNumericOverflow = errors.New("numeric overflow in gradients")

// DefaultClipNorm is the global gradient norm ceiling
const DefaultClipNorm = 5.0

// StepState is the accumulation phase reported for a micro-batch
type StepState int

const (
	// Accumulating: the cycle is still collecting micro-batches
	Accumulating StepState = iota
	// ReadyToStep: the cycle completed with an optimizer update
	ReadyToStep
	// Overflow: the cycle completed but the update was skipped
	Overflow
)

func (s StepState) String() string {
	switch s {
	case Accumulating:
		return "Accumulating"
	case ReadyToStep:
		return "ReadyToStep"
	case Overflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// BackwardFunc runs the backward pass of one micro-batch, accumulating into
// the parameter gradient buffers. scale multiplies dLoss; it already includes
// the 1/grad_accum factor.
type BackwardFunc func(scale float32) error

// StepConfig configures gradient accumulation
type StepConfig struct {
	GradAccum int     // micro-batches per optimizer step
	ClipNorm  float64 // global L2 gradient norm ceiling
	AMP       bool    // half precision gradients with dynamic loss scaling
	MaxLR     float64 // base learning rate handed to the scheduler
}

// StepOutcome describes what a micro-batch did
type StepOutcome struct {
	State    StepState
	Stepped  bool    // optimizer update applied
	Skipped  bool    // cycle completed without update
	Err      error   // wraps ErrNumericOverflow when Skipped
	Loss     float64 // mean micro loss of the completed cycle, else this micro loss
	GradNorm float64 // pre-clip global norm when Stepped
	LR       float64 // learning rate of the completed cycle
	Step     int     // GlobalStep after the cycle
	Scale    float64 // loss scale used for the cycle
}

// Completed reports whether the micro-batch closed an accumulation cycle
func (o StepOutcome) Completed() bool {
	return o.Stepped || o.Skipped
}

// StepController drives gradient accumulation: every GradAccum micro-batches
// it unscales, checks, clips and applies one optimizer update, then advances
// the global step once. Cycles with non-finite gradients skip the update and
// back off the loss scale but still count as a step.
type StepController struct {
	config    StepConfig
	params    []*tensor.Parameter
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	scaler    *LossScaler
	state     *State
	logger    logrus.FieldLogger

	lossSum float64

	OptimizerSteps int
	SkippedSteps   int
	OverflowCount  int
}

// NewStepController wires the controller. state must outlive it.
func NewStepController(cfg StepConfig, params []*tensor.Parameter, opt optimizer.Optimizer,
	sched LRScheduler, state *State, logger logrus.FieldLogger) (*StepController, error) {
	if cfg.GradAccum <= 0 {
		return nil, fmt.Errorf("%w: grad_accum must be positive, got %d", config.ErrConfig, cfg.GradAccum)
	}
	if cfg.ClipNorm <= 0 {
		cfg.ClipNorm = DefaultClipNorm
	}
	if opt == nil || sched == nil || state == nil {
		return nil, fmt.Errorf("step controller needs an optimizer, a scheduler and a state")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StepController{
		config:    cfg,
		params:    params,
		optimizer: opt,
		scheduler: sched,
		scaler:    NewLossScaler(cfg.AMP),
		state:     state,
		logger:    logger,
	}, nil
}

// Scaler exposes the loss scaler
func (c *StepController) Scaler() *LossScaler {
	return c.scaler
}

// Phase returns the state the next micro-batch will be fed in
func (c *StepController) Phase() StepState {
	if c.state.MicroSteps == c.config.GradAccum-1 {
		return ReadyToStep
	}
	return Accumulating
}

// Micro feeds one micro-batch. loss is the unscaled reduced loss; backward
// receives the effective loss scale. Errors from backward and from the
// optimizer are returned; overflow is not an error.
func (c *StepController) Micro(loss float64, backward BackwardFunc) (StepOutcome, error) {
	scale := c.scaler.Scale()
	if backward != nil {
		if err := backward(float32(scale / float64(c.config.GradAccum))); err != nil {
			return StepOutcome{State: Accumulating}, fmt.Errorf("backward failed: %w", err)
		}
	}

	c.lossSum += loss
	c.state.MicroSteps++
	if c.state.MicroSteps < c.config.GradAccum {
		return StepOutcome{State: Accumulating, Loss: loss, Step: c.state.GlobalStep, Scale: scale}, nil
	}
	return c.step(scale)
}

func (c *StepController) step(scale float64) (StepOutcome, error) {
	out := StepOutcome{
		Loss:  c.lossSum / float64(c.config.GradAccum),
		Scale: scale,
		LR:    c.scheduler.GetLR(c.state.Epoch, c.state.GlobalStep, c.config.MaxLR),
	}

	if c.config.AMP {
		for _, p := range c.params {
			tensor.RoundTripHalf(p.Grad)
		}
	}
	c.scaler.Unscale(c.params)

	overflow := !tensor.GradsFinite(c.params)
	if overflow {
		c.OverflowCount++
		c.SkippedSteps++
		out.State = Overflow
		out.Skipped = true
		out.Err = fmt.Errorf("%w at step %d with loss scale %g", ErrNumericOverflow, c.state.GlobalStep, scale)
		c.logger.WithFields(logrus.Fields{
			"step":  c.state.GlobalStep,
			"scale": scale,
			"loss":  out.Loss,
		}).Warn("Skipping optimizer step after gradient overflow")
	} else {
		out.GradNorm = tensor.ClipGradNorm(c.params, c.config.ClipNorm)
		c.optimizer.UpdateLearningRate(float32(out.LR))
		if err := c.optimizer.Step(c.params); err != nil {
			return out, fmt.Errorf("optimizer step %d failed: %w", c.state.GlobalStep, err)
		}
		c.OptimizerSteps++
		out.State = ReadyToStep
		out.Stepped = true
	}

	c.scaler.Update(overflow)
	c.state.GlobalStep++
	c.state.MicroSteps = 0
	c.lossSum = 0
	tensor.ZeroGrad(c.params)

	out.Step = c.state.GlobalStep
	return out, nil
}
