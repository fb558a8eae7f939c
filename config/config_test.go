package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-latentsep/checkpoints"
)

const baseYAML = `
seed: 7
train_csv: data/train.csv
dev_csv: data/dev.csv
segment_sec: 4
batch_size: 8
num_workers: 4
rwkv_depth: 6
lr: 1e-3
epochs: 30
grad_accum: 2
warmup: 100
min_lr: 1e-5
amp: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Seed != 7 || cfg.BatchSize != 8 || cfg.Depth != 6 || cfg.GradAccum != 2 || cfg.Warmup != 100 {
		t.Errorf("Unexpected integer fields: %+v", cfg)
	}
	if cfg.LR != 1e-3 || cfg.MinLR != 1e-5 || cfg.SegmentSec != 4 {
		t.Errorf("Unexpected float fields: lr %g min_lr %g segment %g", cfg.LR, cfg.MinLR, cfg.SegmentSec)
	}
	if !cfg.AMP {
		t.Error("Expected amp enabled")
	}

	// Defaults
	if cfg.NSpk != 2 || cfg.ClipNorm != 5 || cfg.WeightDecay != 1e-4 || cfg.SampleRate != 16000 {
		t.Errorf("Defaults not applied: %+v", cfg)
	}
	if cfg.Optimizer != "adamw" || cfg.Momentum != 0.9 || cfg.MaxExamples != 0 {
		t.Errorf("Optimizer defaults not applied: %s %g %d", cfg.Optimizer, cfg.Momentum, cfg.MaxExamples)
	}
	if cfg.Format() != checkpoints.FormatProto || cfg.Level() != logrus.InfoLevel {
		t.Errorf("Unexpected format %v or level %v", cfg.Format(), cfg.Level())
	}
	if cfg.SegmentSamples() != 64000 {
		t.Errorf("Expected 64000 segment samples, got %d", cfg.SegmentSamples())
	}
}

func TestDepthAlias(t *testing.T) {
	body := strings.Replace(baseYAML, "rwkv_depth: 6", "depth: 3", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Depth != 3 {
		t.Errorf("Expected depth 3 from alias, got %d", cfg.Depth)
	}

	both := baseYAML + "depth: 3\n"
	cfg, err = Load(writeConfig(t, both))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Depth != 6 {
		t.Errorf("Expected rwkv_depth to win over depth, got %d", cfg.Depth)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("LATENTSEP_BATCH_SIZE", "16")
	t.Setenv("LATENTSEP_CHECKPOINT_FORMAT", "json")

	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BatchSize != 16 {
		t.Errorf("Expected batch size 16 from environment, got %d", cfg.BatchSize)
	}
	if cfg.Format() != checkpoints.FormatJSON {
		t.Errorf("Expected JSON format from environment, got %v", cfg.Format())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing grad_accum", strings.Replace(baseYAML, "grad_accum: 2\n", "", 1), "grad_accum"},
		{"missing depth", strings.Replace(baseYAML, "rwkv_depth: 6\n", "", 1), "rwkv_depth"},
		{"bad type", strings.Replace(baseYAML, "batch_size: 8", "batch_size: eight", 1), "batch_size"},
		{"zero grad_accum", strings.Replace(baseYAML, "grad_accum: 2", "grad_accum: 0", 1), "grad_accum"},
		{"negative warmup", strings.Replace(baseYAML, "warmup: 100", "warmup: -1", 1), "warmup"},
		{"min_lr above lr", strings.Replace(baseYAML, "min_lr: 1e-5", "min_lr: 0.1", 1), "min_lr"},
		{"unknown format", baseYAML + "checkpoint_format: onnx\n", "checkpoint format"},
		{"bad log level", baseYAML + "log_level: loud\n", "loud"},
		{"unknown optimizer", baseYAML + "optimizer: lbfgs\n", "optimizer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("Expected ErrConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrConfig) {
		t.Errorf("Expected ErrConfig for missing file, got %v", err)
	}
}

func TestWriteSnapshot(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "run", "config.yaml")
	if err := cfg.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Config
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatalf("Snapshot is not valid YAML: %v", err)
	}
	if back != *cfg {
		t.Errorf("Snapshot differs:\n%+v\n%+v", back, *cfg)
	}

	// The snapshot itself must load as a config
	again, err := Load(path)
	if err != nil {
		t.Fatalf("Snapshot does not load: %v", err)
	}
	if again.Depth != cfg.Depth {
		t.Errorf("Expected depth %d, got %d", cfg.Depth, again.Depth)
	}
}
