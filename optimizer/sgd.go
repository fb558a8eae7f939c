package optimizer

import (
	"fmt"

	"github.com/tsawler/go-latentsep/tensor"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers, only populated when Momentum > 0
	MomentumBuffers map[int][]float32

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig) (*SGDOptimizerState, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: make(map[int][]float32),
	}, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params []*tensor.Parameter) error {
	if sgd.Momentum > 0 {
		if err := ensureBuffers(sgd.MomentumBuffers, params, "momentum"); err != nil {
			return err
		}
	}

	sgd.StepCount++

	for i, p := range params {
		w := p.Value.Data
		g := p.Grad.Data
		buf := sgd.MomentumBuffers[i]

		for k := range w {
			d := g[k] + sgd.WeightDecay*w[k]
			if sgd.Momentum > 0 {
				buf[k] = sgd.Momentum*buf[k] + d
				if sgd.Nesterov {
					d += sgd.Momentum * buf[k]
				} else {
					d = buf[k]
				}
			}
			w[k] -= sgd.LearningRate * d
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": float64(sgd.LearningRate),
			"momentum":      float64(sgd.Momentum),
			"weight_decay":  float64(sgd.WeightDecay),
			"nesterov":      sgd.Nesterov,
			"step_count":    float64(sgd.StepCount),
		},
	}

	for i := 0; i < len(sgd.MomentumBuffers); i++ {
		buf, ok := sgd.MomentumBuffers[i]
		if !ok {
			return nil, fmt.Errorf("missing momentum buffer %d", i)
		}
		state.StateData = append(state.StateData,
			*extractBufferState(buf, []int{len(buf)}, fmt.Sprintf("momentum_%d", i), "momentum"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	momentum, err := restoreBuffers(state.StateData, "momentum")
	if err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)
	sgd.MomentumBuffers = momentum
	return nil
}

var _ Optimizer = (*SGDOptimizerState)(nil)
