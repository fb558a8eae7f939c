// Package config loads the flat training configuration from YAML, with
// LATENTSEP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-latentsep/checkpoints"
)

// ErrConfig marks missing keys, badly typed values and out-of-range settings.
// It is fatal at startup.
var ErrConfig = errors.New("config error")

// EnvPrefix is prepended to upper-cased keys for environment overrides
const EnvPrefix = "LATENTSEP"

// Config is the resolved training configuration
type Config struct {
	Seed       int64   `yaml:"seed"`
	TrainCSV   string  `yaml:"train_csv"`
	DevCSV     string  `yaml:"dev_csv"`
	SegmentSec float64 `yaml:"segment_sec"`
	BatchSize  int     `yaml:"batch_size"`
	NumWorkers int     `yaml:"num_workers"`
	Depth      int     `yaml:"rwkv_depth"`
	LR         float64 `yaml:"lr"`
	Epochs     int     `yaml:"epochs"`
	GradAccum  int     `yaml:"grad_accum"`
	Warmup     int     `yaml:"warmup"`
	MinLR      float64 `yaml:"min_lr"`
	AMP        bool    `yaml:"amp"`

	NSpk             int     `yaml:"n_spk"`
	Optimizer        string  `yaml:"optimizer"`
	Momentum         float64 `yaml:"momentum"`
	MaxExamples      int     `yaml:"max_examples"`
	ClipNorm         float64 `yaml:"clip_norm"`
	WeightDecay      float64 `yaml:"weight_decay"`
	SampleRate       int     `yaml:"sample_rate"`
	LatentChannels   int     `yaml:"latent_channels"`
	HopLength        int     `yaml:"hop_length"`
	LatentCache      int     `yaml:"latent_cache"`
	RunsDir          string  `yaml:"runs_dir"`
	CheckpointDir    string  `yaml:"checkpoint_dir"`
	CheckpointFormat string  `yaml:"checkpoint_format"`
	LogLevel         string  `yaml:"log_level"`
	Resume           string  `yaml:"resume"`
}

// required keys must be present in the file or environment. rwkv_depth may be
// given as depth instead.
var required = []string{
	"train_csv", "dev_csv", "batch_size", "lr", "epochs", "grad_accum", "warmup", "segment_sec",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("seed", 42)
	v.SetDefault("num_workers", 2)
	v.SetDefault("min_lr", 1e-5)
	v.SetDefault("amp", false)
	v.SetDefault("n_spk", 2)
	v.SetDefault("optimizer", "adamw")
	v.SetDefault("momentum", 0.9)
	v.SetDefault("max_examples", 0)
	v.SetDefault("clip_norm", 5.0)
	v.SetDefault("weight_decay", 1e-4)
	v.SetDefault("sample_rate", 16000)
	v.SetDefault("latent_channels", 64)
	v.SetDefault("hop_length", 320)
	v.SetDefault("latent_cache", 1024)
	v.SetDefault("runs_dir", "runs")
	v.SetDefault("checkpoint_dir", "checkpoints")
	v.SetDefault("checkpoint_format", "proto")
	v.SetDefault("log_level", "info")
	v.SetDefault("resume", "")
}

// Load reads a YAML config file, applies defaults and environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrConfig, path, err)
	}
	return FromViper(v)
}

// FromViper resolves a config from an already populated viper instance
func FromViper(v *viper.Viper) (*Config, error) {
	var missing []string
	for _, key := range required {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	depthKey := "rwkv_depth"
	if !v.IsSet(depthKey) {
		if v.IsSet("depth") {
			depthKey = "depth"
		} else {
			missing = append(missing, "rwkv_depth")
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required keys: %s", ErrConfig, strings.Join(missing, ", "))
	}

	d := decoder{v: v}
	cfg := &Config{
		Seed:             d.getInt64("seed"),
		TrainCSV:         d.getString("train_csv"),
		DevCSV:           d.getString("dev_csv"),
		SegmentSec:       d.getFloat("segment_sec"),
		BatchSize:        d.getInt("batch_size"),
		NumWorkers:       d.getInt("num_workers"),
		Depth:            d.getInt(depthKey),
		LR:               d.getFloat("lr"),
		Epochs:           d.getInt("epochs"),
		GradAccum:        d.getInt("grad_accum"),
		Warmup:           d.getInt("warmup"),
		MinLR:            d.getFloat("min_lr"),
		AMP:              d.getBool("amp"),
		NSpk:             d.getInt("n_spk"),
		Optimizer:        d.getString("optimizer"),
		Momentum:         d.getFloat("momentum"),
		MaxExamples:      d.getInt("max_examples"),
		ClipNorm:         d.getFloat("clip_norm"),
		WeightDecay:      d.getFloat("weight_decay"),
		SampleRate:       d.getInt("sample_rate"),
		LatentChannels:   d.getInt("latent_channels"),
		HopLength:        d.getInt("hop_length"),
		LatentCache:      d.getInt("latent_cache"),
		RunsDir:          d.getString("runs_dir"),
		CheckpointDir:    d.getString("checkpoint_dir"),
		CheckpointFormat: d.getString("checkpoint_format"),
		LogLevel:         d.getString("log_level"),
		Resume:           d.getString("resume"),
	}
	if d.err != nil {
		return nil, d.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decoder converts raw viper values with cast, keeping the first failure
type decoder struct {
	v   *viper.Viper
	err error
}

func (d *decoder) fail(key string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: key %s: %w", ErrConfig, key, err)
	}
}

func (d *decoder) getInt(key string) int {
	n, err := cast.ToIntE(d.v.Get(key))
	if err != nil {
		d.fail(key, err)
	}
	return n
}

func (d *decoder) getInt64(key string) int64 {
	n, err := cast.ToInt64E(d.v.Get(key))
	if err != nil {
		d.fail(key, err)
	}
	return n
}

func (d *decoder) getFloat(key string) float64 {
	f, err := cast.ToFloat64E(d.v.Get(key))
	if err != nil {
		d.fail(key, err)
	}
	return f
}

func (d *decoder) getBool(key string) bool {
	b, err := cast.ToBoolE(d.v.Get(key))
	if err != nil {
		d.fail(key, err)
	}
	return b
}

func (d *decoder) getString(key string) string {
	s, err := cast.ToStringE(d.v.Get(key))
	if err != nil {
		d.fail(key, err)
	}
	return s
}

// Validate checks value ranges. Scheduler bounds that depend on the dataset
// size are checked when the scheduler is built.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.TrainCSV != "", "train_csv is empty")
	check(c.BatchSize > 0, "batch_size must be positive, got %d", c.BatchSize)
	check(c.Epochs > 0, "epochs must be positive, got %d", c.Epochs)
	check(c.GradAccum > 0, "grad_accum must be positive, got %d", c.GradAccum)
	check(c.Warmup >= 0, "warmup cannot be negative, got %d", c.Warmup)
	check(c.LR > 0 && !math.IsInf(c.LR, 0), "lr must be positive and finite, got %g", c.LR)
	check(c.MinLR >= 0 && c.MinLR <= c.LR, "min_lr must be in [0, lr], got %g", c.MinLR)
	check(c.SegmentSec > 0, "segment_sec must be positive, got %g", c.SegmentSec)
	check(c.NumWorkers >= 0, "num_workers cannot be negative, got %d", c.NumWorkers)
	check(c.Depth >= 0, "rwkv_depth cannot be negative, got %d", c.Depth)
	check(c.NSpk > 0, "n_spk must be positive, got %d", c.NSpk)
	check(c.Optimizer == "adamw" || c.Optimizer == "sgd", "optimizer must be adamw or sgd, got %q", c.Optimizer)
	check(c.Momentum >= 0 && c.Momentum < 1, "momentum must be in [0, 1), got %g", c.Momentum)
	check(c.MaxExamples >= 0, "max_examples cannot be negative, got %d", c.MaxExamples)
	check(c.ClipNorm > 0, "clip_norm must be positive, got %g", c.ClipNorm)
	check(c.WeightDecay >= 0, "weight_decay cannot be negative, got %g", c.WeightDecay)
	check(c.SampleRate > 0, "sample_rate must be positive, got %d", c.SampleRate)
	check(c.LatentChannels > 0, "latent_channels must be positive, got %d", c.LatentChannels)
	check(c.HopLength > 0, "hop_length must be positive, got %d", c.HopLength)
	check(c.SegmentSamples() >= c.HopLength, "segment of %d samples is shorter than one hop of %d", c.SegmentSamples(), c.HopLength)

	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// SegmentSamples is the training crop length in samples
func (c *Config) SegmentSamples() int {
	return int(math.Round(c.SegmentSec * float64(c.SampleRate)))
}

// Level returns the configured log level, defaulting to Info
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Format returns the configured checkpoint format
func (c *Config) Format() checkpoints.CheckpointFormat {
	format, err := checkpoints.ParseFormat(c.CheckpointFormat)
	if err != nil {
		return checkpoints.FormatProto
	}
	return format
}

// WriteSnapshot records the resolved configuration as YAML, typically in the
// run directory next to the metrics.
func (c *Config) WriteSnapshot(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
