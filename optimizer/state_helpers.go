package optimizer

import (
	"fmt"

	"github.com/tsawler/go-latentsep/checkpoints"
	"github.com/tsawler/go-latentsep/tensor"
)

// Common helper functions for optimizer state management

// extractBufferState snapshots one state buffer for checkpointing
func extractBufferState(buffer []float32, shape []int, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}

	data := make([]float32, len(buffer))
	copy(data, buffer)
	s := make([]int, len(shape))
	copy(s, shape)

	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     s,
		Data:      data,
		StateType: stateType,
	}
}

// restoreBuffers rebuilds indexed state buffers of the given type from checkpoint tensors
func restoreBuffers(state []checkpoints.OptimizerTensor, stateType string) (map[int][]float32, error) {
	out := make(map[int][]float32)
	for _, st := range state {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 {
			return nil, fmt.Errorf("invalid %s buffer name: %s", stateType, st.Name)
		}
		data := make([]float32, len(st.Data))
		copy(data, st.Data)
		out[idx] = data
	}
	return out, nil
}

// ensureBuffers grows buffers to one zeroed slice per parameter and checks restored sizes
func ensureBuffers(buffers map[int][]float32, params []*tensor.Parameter, name string) error {
	for i, p := range params {
		buf, ok := buffers[i]
		if !ok {
			buffers[i] = make([]float32, p.Value.NumElems)
			continue
		}
		if len(buf) != p.Value.NumElems {
			return fmt.Errorf("data size mismatch for %s_%d: expected %d elements, got %d",
				name, i, p.Value.NumElems, len(buf))
		}
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, ok := params[key].(float64); ok {
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	if val, ok := params[key].(float64); ok {
		return uint64(val)
	}
	return defaultValue
}
