package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-latentsep/tensor"
)

// AdamWOptimizerState is Adam with decoupled weight decay.
// Moment buffers are created lazily on the first Step, one per parameter.
type AdamWOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // Decoupled decay applied directly to the weights

	// First and second moment for each parameter, keyed by parameter index
	MomentumBuffers map[int][]float32
	VarianceBuffers map[int][]float32

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for the AdamW optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default AdamW optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  1e-4,
	}
}

// NewAdamW creates a new AdamW optimizer
func NewAdamW(config AdamConfig) (*AdamWOptimizerState, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamWOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make(map[int][]float32),
		VarianceBuffers: make(map[int][]float32),
	}, nil
}

// Step performs a single AdamW optimization step
func (adam *AdamWOptimizerState) Step(params []*tensor.Parameter) error {
	if err := ensureBuffers(adam.MomentumBuffers, params, "m"); err != nil {
		return err
	}
	if err := ensureBuffers(adam.VarianceBuffers, params, "v"); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bias1 := 1 - math.Pow(float64(adam.Beta1), t)
	bias2 := 1 - math.Pow(float64(adam.Beta2), t)
	stepSize := float32(float64(adam.LearningRate) / bias1)
	sqrtBias2 := float32(math.Sqrt(bias2))
	decay := 1 - adam.LearningRate*adam.WeightDecay

	for i, p := range params {
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		w := p.Value.Data
		g := p.Grad.Data

		for k := range w {
			m[k] = adam.Beta1*m[k] + (1-adam.Beta1)*g[k]
			v[k] = adam.Beta2*v[k] + (1-adam.Beta2)*g[k]*g[k]
			denom := float32(math.Sqrt(float64(v[k])))/sqrtBias2 + adam.Epsilon
			w[k] = w[k]*decay - stepSize*m[k]/denom
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamWOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamWOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamWOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts the moment buffers and hyperparameters
func (adam *AdamWOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "AdamW",
		Parameters: map[string]interface{}{
			"learning_rate": float64(adam.LearningRate),
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
			"step_count":    float64(adam.StepCount),
		},
	}

	for i := 0; i < len(adam.MomentumBuffers); i++ {
		m, ok := adam.MomentumBuffers[i]
		if !ok {
			return nil, fmt.Errorf("missing momentum buffer %d", i)
		}
		state.StateData = append(state.StateData,
			*extractBufferState(m, []int{len(m)}, fmt.Sprintf("m_%d", i), "momentum"),
			*extractBufferState(adam.VarianceBuffers[i], []int{len(adam.VarianceBuffers[i])}, fmt.Sprintf("v_%d", i), "variance"),
		)
	}
	return state, nil
}

// LoadState restores moment buffers and hyperparameters from a checkpoint
func (adam *AdamWOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdamW", state); err != nil {
		return err
	}

	momentum, err := restoreBuffers(state.StateData, "momentum")
	if err != nil {
		return err
	}
	variance, err := restoreBuffers(state.StateData, "variance")
	if err != nil {
		return err
	}
	if len(momentum) != len(variance) {
		return fmt.Errorf("AdamW state has %d momentum and %d variance buffers", len(momentum), len(variance))
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	adam.MomentumBuffers = momentum
	adam.VarianceBuffers = variance
	return nil
}

var _ Optimizer = (*AdamWOptimizerState)(nil)
