package checkpoints

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Binary checkpoint layout, protobuf wire format:
//
//	Checkpoint     { 1: repeated Weight, 2: TrainingState, 3: OptimizerState, 4: Metadata }
//	Weight         { 1: name, 2: packed shape, 3: packed fixed32 data, 4: layer, 5: type }
//	TrainingState  { 1: epoch, 2: step, 3: fixed32 learning_rate, 4: fixed64 best_metric, 5: total_steps }
//	OptimizerState { 1: type, 2: repeated Param, 3: repeated OptimizerTensor }
//	Param          { 1: key, 2: fixed64 number | 3: bool }
//	OptimizerTensor{ 1: name, 2: packed shape, 3: packed fixed32 data, 4: state_type }
//	Metadata       { 1: version, 2: framework, 3: google.protobuf.Timestamp, 4: description, 5: repeated tags }

func marshalCheckpoint(cp *Checkpoint) ([]byte, error) {
	var b []byte
	for _, w := range cp.Weights {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(cp.TrainingState))

	if cp.OptimizerState != nil {
		opt, err := marshalOptimizerState(cp.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, opt)
	}

	md, err := marshalMetadata(cp.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, md)
	return b, nil
}

// appendTensor encodes the shared Weight / OptimizerTensor message shape
func appendTensor(b []byte, name string, shape []int, data []float32, extra ...string) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	values := make([]byte, 0, 4*len(data))
	for _, v := range data {
		values = protowire.AppendFixed32(values, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	for i, s := range extra {
		if s == "" {
			continue
		}
		b = protowire.AppendTag(b, protowire.Number(4+i), protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func marshalTrainingState(ts TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(ts.Epoch)))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(ts.Step)))
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(ts.LearningRate))
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(ts.BestMetric))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(ts.TotalSteps)))
	return b
}

func marshalOptimizerState(st *OptimizerState) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, st.Type)

	// Sorted keys keep the encoding deterministic
	keys := make([]string, 0, len(st.Parameters))
	for k := range st.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var p []byte
		p = protowire.AppendTag(p, 1, protowire.BytesType)
		p = protowire.AppendString(p, k)
		switch v := st.Parameters[k].(type) {
		case float64:
			p = protowire.AppendTag(p, 2, protowire.Fixed64Type)
			p = protowire.AppendFixed64(p, math.Float64bits(v))
		case bool:
			p = protowire.AppendTag(p, 3, protowire.VarintType)
			p = protowire.AppendVarint(p, protowire.EncodeBool(v))
		default:
			return nil, fmt.Errorf("optimizer parameter %s has unsupported type %T", k, v)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}

	for _, t := range st.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType))
	}
	return b, nil
}

func marshalMetadata(md CheckpointMetadata) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, md.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, md.Framework)

	ts, err := proto.Marshal(timestamppb.New(md.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to encode timestamp: %w", err)
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)

	if md.Description != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, md.Description)
	}
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b, nil
}

// fieldFunc handles one field and returns the number of bytes consumed from b,
// or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

// walkFields iterates the fields of one message. Unknown fields are skipped.
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeVarintInt(typ protowire.Type, b []byte, dst *int) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int(int64(v))
	}
	return n
}

type tensorFields struct {
	name  string
	shape []int
	data  []float32
	extra [2]string
}

func unmarshalTensor(b []byte) (*tensorFields, error) {
	t := &tensorFields{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1:
			return consumeString(typ, b, &t.name)
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m
				}
				t.shape = append(t.shape, int(v))
				packed = packed[m:]
			}
			return n
		case num == 3 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			t.data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return m
				}
				t.data = append(t.data, math.Float32frombits(v))
				packed = packed[m:]
			}
			return n
		case num == 4 || num == 5:
			return consumeString(typ, b, &t.extra[num-4])
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var inner error

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}

		switch num {
		case 1:
			t, err := unmarshalTensor(msg)
			if err != nil {
				inner = fmt.Errorf("weight %d: %w", len(cp.Weights), err)
				break
			}
			cp.Weights = append(cp.Weights, WeightTensor{
				Name: t.name, Shape: t.shape, Data: t.data, Layer: t.extra[0], Type: t.extra[1],
			})
		case 2:
			inner = unmarshalTrainingState(msg, &cp.TrainingState)
		case 3:
			cp.OptimizerState, inner = unmarshalOptimizerState(msg)
		case 4:
			inner = unmarshalMetadata(msg, &cp.Metadata)
		}
		if inner != nil {
			return -1
		}
		return n
	})
	if inner != nil {
		return nil, inner
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func unmarshalTrainingState(b []byte, ts *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeVarintInt(typ, b, &ts.Epoch)
		case 2:
			return consumeVarintInt(typ, b, &ts.Step)
		case 3:
			if typ != protowire.Fixed32Type {
				return 0
			}
			v, n := protowire.ConsumeFixed32(b)
			ts.LearningRate = math.Float32frombits(v)
			return n
		case 4:
			if typ != protowire.Fixed64Type {
				return 0
			}
			v, n := protowire.ConsumeFixed64(b)
			ts.BestMetric = math.Float64frombits(v)
			return n
		case 5:
			return consumeVarintInt(typ, b, &ts.TotalSteps)
		}
		return 0
	})
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: make(map[string]interface{})}
	var inner error

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &st.Type)
		case 2:
			if typ != protowire.BytesType {
				return 0
			}
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			var key string
			var value interface{}
			inner = walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch {
				case num == 1:
					return consumeString(typ, b, &key)
				case num == 2 && typ == protowire.Fixed64Type:
					v, m := protowire.ConsumeFixed64(b)
					value = math.Float64frombits(v)
					return m
				case num == 3 && typ == protowire.VarintType:
					v, m := protowire.ConsumeVarint(b)
					value = protowire.DecodeBool(v)
					return m
				}
				return 0
			})
			if inner != nil {
				return -1
			}
			st.Parameters[key] = value
			return n
		case 3:
			if typ != protowire.BytesType {
				return 0
			}
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			t, err := unmarshalTensor(msg)
			if err != nil {
				inner = err
				return -1
			}
			st.StateData = append(st.StateData, OptimizerTensor{
				Name: t.name, Shape: t.shape, Data: t.data, StateType: t.extra[0],
			})
			return n
		}
		return 0
	})
	if inner != nil {
		return nil, inner
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func unmarshalMetadata(b []byte, md *CheckpointMetadata) error {
	var inner error
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &md.Version)
		case 2:
			return consumeString(typ, b, &md.Framework)
		case 3:
			if typ != protowire.BytesType {
				return 0
			}
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			var ts timestamppb.Timestamp
			if inner = proto.Unmarshal(msg, &ts); inner != nil {
				return -1
			}
			md.CreatedAt = ts.AsTime()
			return n
		case 4:
			return consumeString(typ, b, &md.Description)
		case 5:
			var tag string
			n := consumeString(typ, b, &tag)
			if n > 0 {
				md.Tags = append(md.Tags, tag)
			}
			return n
		}
		return 0
	})
	if inner != nil {
		return inner
	}
	return err
}
