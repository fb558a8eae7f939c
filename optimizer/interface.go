package optimizer

import (
	"fmt"

	"github.com/tsawler/go-latentsep/checkpoints"
	"github.com/tsawler/go-latentsep/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State can be extracted and restored for checkpointing.
type Optimizer interface {
	// Step applies one update to params from their accumulated gradients.
	// The parameter list must be the same (same order, same shapes) on every call.
	Step(params []*tensor.Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint.
	// Buffers are validated against the parameters on the next Step.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the learning rate used by the next Step
	GetLearningRate() float32
}

// OptimizerState represents the complete state of an optimizer.
// Compatible with checkpoints.OptimizerState for serialization.
type OptimizerState struct {
	Type       string                        `json:"type"`       // "AdamW", "SGD"
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters, float64 or bool
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // Per-parameter buffers
}

// ToCheckpoint converts the state into its checkpoint form
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	if s == nil {
		return nil
	}
	return &checkpoints.OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// FromCheckpoint converts checkpointed state back into optimizer state
func FromCheckpoint(cs *checkpoints.OptimizerState) *OptimizerState {
	if cs == nil {
		return nil
	}
	return &OptimizerState{
		Type:       cs.Type,
		Parameters: cs.Parameters,
		StateData:  cs.StateData,
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "v_1", "momentum_2"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
