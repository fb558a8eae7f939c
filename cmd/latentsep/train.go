package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-latentsep/checkpoints"
	"github.com/tsawler/go-latentsep/config"
	"github.com/tsawler/go-latentsep/dataset"
	"github.com/tsawler/go-latentsep/latent"
	"github.com/tsawler/go-latentsep/optimizer"
	"github.com/tsawler/go-latentsep/separator"
	"github.com/tsawler/go-latentsep/tensor"
	"github.com/tsawler/go-latentsep/training"
)

func newTrainCmd(root *rootOptions) *cobra.Command {
	var (
		cfgPath    string
		resume     string
		noProgress bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a separator from a YAML config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if resume != "" {
				cfg.Resume = resume
			}
			if root.logLevel == "" {
				logrus.SetLevel(cfg.Level())
			}
			var progress *os.File
			if !noProgress {
				progress = os.Stderr
			}
			return runTrain(cmd, cfg, progress)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "cfg", "configs/train.yaml", "training config file")
	cmd.Flags().StringVar(&resume, "resume", "", "checkpoint file or run directory to resume from")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress bars")
	return cmd
}

func runTrain(cmd *cobra.Command, cfg *config.Config, progress *os.File) error {
	logger := logrus.StandardLogger()
	logger.WithField("cpu", tensor.CPUSummary()).Info("Detected CPU")

	started := time.Now()
	runDir := filepath.Join(cfg.RunsDir, started.Format(checkpoints.RunNameLayout))
	if err := cfg.WriteSnapshot(filepath.Join(runDir, "config.yaml")); err != nil {
		return err
	}
	sink, err := training.NewJSONLSink(runDir)
	if err != nil {
		return err
	}
	defer sink.Close()

	store, err := checkpoints.NewStore(cfg.CheckpointDir, cfg.Format(), started)
	if err != nil {
		return err
	}

	codec, err := separator.NewFrameCodec(cfg.LatentChannels, cfg.HopLength, cfg.Seed)
	if err != nil {
		return err
	}
	model, err := separator.NewLinear(codec, cfg.LatentChannels, separator.LinearConfig{
		NSpk:  cfg.NSpk,
		Depth: cfg.Depth,
		Seed:  cfg.Seed + 1,
	})
	if err != nil {
		return err
	}

	opt, err := newOptimizer(cfg)
	if err != nil {
		return err
	}

	manifestOpts := dataset.ManifestOptions{SampleRate: cfg.SampleRate, SegmentSec: cfg.SegmentSec, NSpk: cfg.NSpk}
	manifest, err := dataset.LoadManifest(cfg.TrainCSV, manifestOpts)
	if err != nil {
		return err
	}
	var trainSet dataset.Dataset = manifest
	if cfg.MaxExamples > 0 {
		if trainSet, err = dataset.NewSubset(manifest, cfg.MaxExamples); err != nil {
			return err
		}
	}
	trainLoader, err := dataset.NewLoader(trainSet, dataset.LoaderConfig{
		BatchSize: cfg.BatchSize,
		NSpk:      cfg.NSpk,
		Shuffle:   true,
		Seed:      cfg.Seed,
		Workers:   cfg.NumWorkers,
	})
	if err != nil {
		return err
	}

	var devLoader *dataset.Loader
	if cfg.DevCSV != "" {
		devSet, err := dataset.LoadManifest(cfg.DevCSV, manifestOpts)
		if err != nil {
			return err
		}
		devLoader, err = dataset.NewLoader(devSet, dataset.LoaderConfig{
			BatchSize: 1,
			NSpk:      cfg.NSpk,
			Workers:   cfg.NumWorkers,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("No dev_csv configured, tracking the negated training loss instead of SI-SDR")
	}

	tcfg := training.TrainerConfig{
		Epochs:    cfg.Epochs,
		GradAccum: cfg.GradAccum,
		NSpk:      cfg.NSpk,
		MaxLR:     cfg.LR,
		MinLR:     cfg.MinLR,
		Warmup:    cfg.Warmup,
		ClipNorm:  cfg.ClipNorm,
		AMP:       cfg.AMP,
	}
	if progress != nil {
		tcfg.Progress = progress
	}
	trainer, err := training.NewTrainer(tcfg, training.TrainerDeps{
		Model:     model,
		Optimizer: opt,
		Train:     trainLoader,
		Dev:       devLoader,
		Latents:   latent.NewStore(cfg.LatentCache),
		Writer:    store,
		Sink:      training.MultiSink{sink, training.LogSink{Logger: logger}},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.Resume != "" {
		path, err := resolveCheckpoint(cfg.Resume)
		if err != nil {
			return fmt.Errorf("cannot resume: %w", err)
		}
		cp, err := checkpoints.Load(path)
		if err != nil {
			return err
		}
		if err := trainer.Resume(cp); err != nil {
			return err
		}
	}

	logger.WithFields(logrus.Fields{
		"run_dir":        runDir,
		"checkpoint_dir": store.RunDir(),
		"train_examples": trainSet.Len(),
		"parameters":     len(model.Parameters()),
	}).Info("Run initialised")

	if err := trainer.Fit(cmd.Context()); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"best":          trainer.State().BestMetric,
		"steps":         trainer.State().GlobalStep,
		"skipped_steps": trainer.Steps().SkippedSteps,
	}).Info("Training finished")
	return nil
}

func newOptimizer(cfg *config.Config) (optimizer.Optimizer, error) {
	switch cfg.Optimizer {
	case "sgd":
		sgd := optimizer.DefaultSGDConfig()
		sgd.LearningRate = float32(cfg.LR)
		sgd.Momentum = float32(cfg.Momentum)
		sgd.WeightDecay = float32(cfg.WeightDecay)
		return optimizer.NewSGD(sgd)
	default:
		adam := optimizer.DefaultAdamConfig()
		adam.LearningRate = float32(cfg.LR)
		adam.WeightDecay = float32(cfg.WeightDecay)
		return optimizer.NewAdamW(adam)
	}
}
