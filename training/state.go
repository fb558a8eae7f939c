package training

import (
	"github.com/tsawler/go-latentsep/checkpoints"
)

// InitialBestMetric is the best-metric value before any evaluation
const InitialBestMetric = -1e9

// State is the mutable progress of one training run. The orchestrator owns it
// and hands it by pointer to the step controller and the tracker.
type State struct {
	GlobalStep int     // completed accumulation cycles, overflow cycles included
	Epoch      int     // current epoch, zero based
	BestMetric float64 // best dev metric so far, higher is better
	MicroSteps int     // micro-batches accumulated in the pending cycle
}

// NewState returns the state of a fresh run
func NewState() *State {
	return &State{BestMetric: InitialBestMetric}
}

// Checkpoint converts the persistent part of the state for a checkpoint
func (s *State) Checkpoint(lr float64, totalSteps int) checkpoints.TrainingState {
	return checkpoints.TrainingState{
		Epoch:        s.Epoch,
		Step:         s.GlobalStep,
		LearningRate: float32(lr),
		BestMetric:   s.BestMetric,
		TotalSteps:   totalSteps,
	}
}

// Restore positions the state to continue after a checkpointed epoch. A
// pending partial cycle is not persisted, so MicroSteps starts from zero.
func (s *State) Restore(ts checkpoints.TrainingState) {
	s.GlobalStep = ts.Step
	s.Epoch = ts.Epoch + 1
	s.BestMetric = ts.BestMetric
	s.MicroSteps = 0
}
