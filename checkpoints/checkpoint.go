package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-latentsep/tensor"
)

// ErrIO marks checkpoint read and write failures. A run that sees it must stop
// rather than continue with a missing or partial checkpoint.
var ErrIO = errors.New("checkpoint io")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Ext returns the file extension used for this format, without the dot
func (cf CheckpointFormat) Ext() string {
	switch cf {
	case FormatJSON:
		return "json"
	case FormatProto:
		return "pb"
	default:
		return "bin"
	}
}

// ParseFormat maps a configuration value ("json", "proto") to a format
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatForPath infers the format from a checkpoint file extension
func FormatForPath(path string) (CheckpointFormat, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "basis", etc.
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestMetric   float64 `json:"best_metric"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "AdamW"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the serialization format of this saver
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint atomically writes a complete model checkpoint to path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-latentsep"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return writeAtomic(path, func(w io.Writer) error {
			encoder := json.NewEncoder(w)
			encoder.SetIndent("", "  ")
			return encoder.Encode(checkpoint)
		})
	case FormatProto:
		data, err := marshalCheckpoint(checkpoint)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return writeAtomic(path, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read checkpoint file: %w", ErrIO, err)
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	case FormatProto:
		checkpoint, err = unmarshalCheckpoint(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode checkpoint %s: %w", ErrIO, path, err)
	}
	return checkpoint, nil
}

// Load reads a checkpoint, choosing the format from the file extension
func Load(path string) (*Checkpoint, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

// writeAtomic writes to a temporary file in the target directory and renames it
// into place, so readers never observe a partially written checkpoint.
func writeAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create checkpoint file: %w", ErrIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to encode checkpoint: %w", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to sync checkpoint: %w", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close checkpoint: %w", ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: failed to move checkpoint into place: %w", ErrIO, err)
	}
	return nil
}

// ExtractWeights snapshots parameter values. Names of the form "layer.type"
// fill the Layer and Type fields.
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, kind := p.Name, "weight"
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layer, kind = p.Name[:i], p.Name[i+1:]
		}

		shape := make([]int, len(p.Value.Shape))
		copy(shape, p.Value.Shape)
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)

		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies checkpointed weights back into params, matching by name
func LoadWeights(weights []WeightTensor, params []*tensor.Parameter) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for _, p := range params {
		weight, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight named %s", p.Name)
		}

		if len(p.Value.Shape) != len(weight.Shape) {
			return fmt.Errorf("%w for weight %s: parameter %v vs checkpoint %v",
				tensor.ErrShapeMismatch, weight.Name, p.Value.Shape, weight.Shape)
		}
		for j, dim := range p.Value.Shape {
			if dim != weight.Shape[j] {
				return fmt.Errorf("%w for weight %s at index %d: parameter %d vs checkpoint %d",
					tensor.ErrShapeMismatch, weight.Name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != len(p.Value.Data) {
			return fmt.Errorf("weight %s has %d values, expected %d", weight.Name, len(weight.Data), len(p.Value.Data))
		}

		copy(p.Value.Data, weight.Data)
	}

	return nil
}
