package training

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scalar tags written by the trainer
const (
	TagTrainLoss = "train/loss"
	TagDevSISDR  = "dev/SI-SDR"
	TagLR        = "train/lr"
)

// MetricsSink receives scalar time series
type MetricsSink interface {
	AddScalar(tag string, value float64, step int) error
}

// scalarRecord is one line of scalars.jsonl. Non-finite values, which JSON
// cannot carry, are written as a null value plus their text form.
type scalarRecord struct {
	Tag       string    `json:"tag"`
	Step      int       `json:"step"`
	Value     *float64  `json:"value"`
	NonFinite string    `json:"non_finite,omitempty"`
	Time      time.Time `json:"time"`
}

// JSONLSink appends scalars to <dir>/scalars.jsonl, one JSON object per line
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	path string
}

// NewJSONLSink creates dir if needed and opens the scalar log for appending
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	path := filepath.Join(dir, "scalars.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open scalar log: %w", err)
	}
	return &JSONLSink{file: f, enc: json.NewEncoder(f), path: path}, nil
}

// Path returns the scalar log location
func (s *JSONLSink) Path() string {
	return s.path
}

func (s *JSONLSink) AddScalar(tag string, value float64, step int) error {
	rec := scalarRecord{Tag: tag, Step: step, Time: time.Now()}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		rec.NonFinite = fmt.Sprint(value)
	} else {
		rec.Value = &value
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write scalar %s: %w", tag, err)
	}
	return nil
}

// Close flushes and closes the log
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// LogSink writes scalars as debug log entries
type LogSink struct {
	Logger logrus.FieldLogger
}

func (s LogSink) AddScalar(tag string, value float64, step int) error {
	s.Logger.WithFields(logrus.Fields{"tag": tag, "step": step, "value": value}).Debug("scalar")
	return nil
}

// MultiSink fans scalars out to several sinks, stopping at the first error
type MultiSink []MetricsSink

func (m MultiSink) AddScalar(tag string, value float64, step int) error {
	for _, s := range m {
		if err := s.AddScalar(tag, value, step); err != nil {
			return err
		}
	}
	return nil
}

// ReadScalars loads every record of a scalars.jsonl file, in order. NaN is
// returned for non-finite entries.
func ReadScalars(path string) ([]Scalar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Scalar
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec scalarRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("corrupt scalar log %s: %w", path, err)
		}
		v := math.NaN()
		if rec.Value != nil {
			v = *rec.Value
		}
		out = append(out, Scalar{Tag: rec.Tag, Step: rec.Step, Value: v})
	}
	return out, nil
}

// Scalar is one decoded metrics point
type Scalar struct {
	Tag   string
	Step  int
	Value float64
}
