package training

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-latentsep/checkpoints"
	"github.com/tsawler/go-latentsep/dataset"
	"github.com/tsawler/go-latentsep/latent"
	"github.com/tsawler/go-latentsep/optimizer"
	"github.com/tsawler/go-latentsep/pit"
	"github.com/tsawler/go-latentsep/separator"
	"github.com/tsawler/go-latentsep/tensor"
)

// TrainerConfig holds the run-level hyperparameters
type TrainerConfig struct {
	Epochs    int
	GradAccum int
	NSpk      int
	MaxLR     float64
	MinLR     float64
	Warmup    int
	ClipNorm  float64
	AMP       bool

	// Progress receives per-epoch progress bars; nil disables them
	Progress io.Writer
}

// Trainer runs the epoch loop: permutation-invariant training with gradient
// accumulation, an evaluation pass per epoch and best-checkpoint tracking.
// Batches are processed one at a time; only data loading runs concurrently.
type Trainer struct {
	config    TrainerConfig
	model     separator.Separator
	optimizer optimizer.Optimizer
	train     *dataset.Loader
	dev       *dataset.Loader
	latents   *latent.Store
	sink      MetricsSink
	logger    logrus.FieldLogger

	state      *State
	scheduler  LRScheduler
	steps      *StepController
	tracker    *BestTracker
	trainLoss  *pit.Scorer
	evalLoss   *pit.Scorer
	totalSteps int
}

// TrainerDeps are the collaborators a Trainer drives
type TrainerDeps struct {
	Model     separator.Separator
	Optimizer optimizer.Optimizer
	Train     *dataset.Loader
	Dev       *dataset.Loader // nil trains without evaluation
	Latents   *latent.Store
	Writer    CheckpointWriter
	Sink      MetricsSink // nil discards scalars
	Logger    logrus.FieldLogger
}

// NewTrainer validates the schedule against the training set size and wires
// the step controller and tracker.
func NewTrainer(cfg TrainerConfig, deps TrainerDeps) (*Trainer, error) {
	if deps.Model == nil || deps.Optimizer == nil || deps.Train == nil || deps.Latents == nil || deps.Writer == nil {
		return nil, errors.New("trainer needs a model, an optimizer, a training loader, a latent store and a checkpoint writer")
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.NSpk <= 0 {
		cfg.NSpk = 2
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sink := deps.Sink
	if sink == nil {
		sink = MultiSink{}
	}

	totalSteps := MaxSteps(cfg.Epochs, deps.Train.Len(), cfg.GradAccum)
	scheduler, err := NewWarmupCosineScheduler(cfg.Warmup, totalSteps, cfg.MinLR)
	if err != nil {
		return nil, err
	}

	state := NewState()
	steps, err := NewStepController(StepConfig{
		GradAccum: cfg.GradAccum,
		ClipNorm:  cfg.ClipNorm,
		AMP:       cfg.AMP,
		MaxLR:     cfg.MaxLR,
	}, deps.Model.Parameters(), deps.Optimizer, scheduler, state, logger)
	if err != nil {
		return nil, err
	}

	return &Trainer{
		config:     cfg,
		model:      deps.Model,
		optimizer:  deps.Optimizer,
		train:      deps.Train,
		dev:        deps.Dev,
		latents:    deps.Latents,
		sink:       sink,
		logger:     logger,
		state:      state,
		scheduler:  scheduler,
		steps:      steps,
		tracker:    NewBestTracker(deps.Writer, state, logger),
		trainLoss:  pit.NewScorer(cfg.NSpk, pit.ReduceMean),
		evalLoss:   pit.NewScorer(cfg.NSpk, pit.ReduceNone),
		totalSteps: totalSteps,
	}, nil
}

// State returns the live training state
func (t *Trainer) State() *State { return t.state }

// Steps returns the step controller, for its counters
func (t *Trainer) Steps() *StepController { return t.steps }

// TotalSteps is the scheduler horizon in optimizer steps
func (t *Trainer) TotalSteps() int { return t.totalSteps }

// Resume restores weights, optimizer buffers and progress from a checkpoint.
// Training continues with the epoch after the checkpointed one.
func (t *Trainer) Resume(cp *checkpoints.Checkpoint) error {
	if err := checkpoints.LoadWeights(cp.Weights, t.model.Parameters()); err != nil {
		return fmt.Errorf("failed to restore weights: %w", err)
	}
	if cp.OptimizerState != nil {
		if err := t.optimizer.LoadState(optimizer.FromCheckpoint(cp.OptimizerState)); err != nil {
			return fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}
	t.state.Restore(cp.TrainingState)
	tensor.ZeroGrad(t.model.Parameters())

	if saved := cp.TrainingState.TotalSteps; saved > 0 && saved != t.totalSteps {
		t.logger.WithFields(logrus.Fields{
			"checkpoint_total_steps": saved,
			"total_steps":            t.totalSteps,
		}).Warn("Schedule horizon differs from the checkpointed run, learning rate decay follows the new horizon")
	}

	t.logger.WithFields(logrus.Fields{
		"epoch": t.state.Epoch,
		"step":  t.state.GlobalStep,
		"best":  t.state.BestMetric,
	}).Info("Resumed from checkpoint")
	return nil
}

// Fit trains until the configured number of epochs. Cancelling ctx stops the
// run between batches; the last epoch checkpoint remains the recovery point.
func (t *Trainer) Fit(ctx context.Context) error {
	t.logger.WithFields(logrus.Fields{
		"epochs":      t.config.Epochs,
		"batches":     t.train.Len(),
		"grad_accum":  t.config.GradAccum,
		"total_steps": t.totalSteps,
		"scheduler":   t.scheduler.GetName(),
		"amp":         t.config.AMP,
	}).Info("Starting training")

	for epoch := t.state.Epoch; epoch < t.config.Epochs; epoch++ {
		t.state.Epoch = epoch

		trainLoss, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return err
		}

		metric, label := -trainLoss, "neg train loss"
		if t.dev != nil {
			eval, err := t.Evaluate(ctx)
			if err != nil {
				return err
			}
			metric, label = eval.SISDR, "dev SI-SDR"
			if err := t.sink.AddScalar(TagDevSISDR, metric, t.state.GlobalStep); err != nil {
				return err
			}
		}

		cp, err := t.snapshot()
		if err != nil {
			return err
		}
		decision, err := t.tracker.Record(cp, t.state.GlobalStep, epoch, metric)
		if err != nil {
			return err
		}

		stats := t.latents.Stats()
		t.logger.WithFields(logrus.Fields{
			"epoch":          epoch,
			"step":           t.state.GlobalStep,
			"train_loss":     trainLoss,
			"wrote_best":     decision.WroteBest,
			"skipped_steps":  t.steps.SkippedSteps,
			"cache_hit_rate": stats.HitRate,
		}).Infof("Epoch %d done | %s %.2f | best %.2f", epoch, label, metric, t.state.BestMetric)
	}
	return nil
}

// trainEpoch returns the mean micro-batch loss of the epoch
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	t.model.Train()
	it := t.train.Epoch(ctx, epoch)
	defer it.Close()

	var progress *EpochProgress
	if t.config.Progress != nil {
		progress = NewEpochProgress(t.config.Progress, epoch, t.train.Len())
		defer progress.Finish()
	}

	var epochLoss RunningMean
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}

		out, err := t.trainBatch(batch)
		if err != nil {
			return 0, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		epochLoss.Add(out.microLoss)

		if progress != nil {
			progress.Increment()
		}
		if !out.Completed() {
			continue
		}
		if progress != nil {
			progress.SetLoss(out.Loss)
		}
		if err := t.sink.AddScalar(TagTrainLoss, out.Loss, out.Step); err != nil {
			return 0, err
		}
		if err := t.sink.AddScalar(TagLR, out.LR, out.Step); err != nil {
			return 0, err
		}
		t.logger.WithFields(logrus.Fields{
			"step":      out.Step,
			"loss":      out.Loss,
			"lr":        out.LR,
			"grad_norm": out.GradNorm,
			"state":     out.State,
		}).Debug("Optimizer cycle")
	}
	// A cancelled producer ends the epoch early
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return epochLoss.Mean(), nil
}

type batchOutcome struct {
	StepOutcome
	microLoss float64
}

func (t *Trainer) trainBatch(batch *dataset.Batch) (batchOutcome, error) {
	targets, err := t.loadTargets(batch)
	if err != nil {
		return batchOutcome{}, err
	}
	preds, _, err := t.model.Forward(batch.Mixture, nil)
	if err != nil {
		return batchOutcome{}, fmt.Errorf("forward failed: %w", err)
	}
	res, err := t.trainLoss.Score(preds, targets)
	if err != nil {
		return batchOutcome{}, err
	}

	out, err := t.steps.Micro(res.Loss, func(scale float32) error {
		grads, err := res.Gradients(preds, targets)
		if err != nil {
			return err
		}
		for _, g := range grads {
			tensor.Scale(scale, g)
		}
		return t.model.Backward(grads)
	})
	if err != nil {
		return batchOutcome{}, err
	}
	return batchOutcome{StepOutcome: out, microLoss: res.Loss}, nil
}

// loadTargets reads the batch's target latents and groups them per speaker
func (t *Trainer) loadTargets(batch *dataset.Batch) ([]*tensor.Tensor, error) {
	latents, err := t.latents.LoadAll(batch.LatentPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to load target latents: %w", err)
	}
	return latent.Stack(latents, t.config.NSpk)
}

// Evaluate runs the separator in inference mode over the dev set and returns
// SI-SDR statistics derived from the unreduced matched MSE of each example.
func (t *Trainer) Evaluate(ctx context.Context) (*EvalMetrics, error) {
	if t.dev == nil {
		return nil, errors.New("no dev set configured")
	}
	t.model.Eval()
	defer t.model.Train()

	it := t.dev.Epoch(ctx, 0)
	defer it.Close()

	var perExample []float64
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		targets, err := t.loadTargets(batch)
		if err != nil {
			return nil, err
		}
		preds, _, err := t.model.Forward(batch.Mixture, nil)
		if err != nil {
			return nil, fmt.Errorf("forward failed: %w", err)
		}
		res, err := t.evalLoss.Score(preds, targets)
		if err != nil {
			return nil, err
		}
		perExample = append(perExample, res.PerSample...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metrics := CalculateEvalMetrics(perExample)
	t.logger.WithFields(logrus.Fields{
		"examples": metrics.Examples,
		"si_sdr":   metrics.SISDR,
		"std":      metrics.SISDRStd,
		"mse":      metrics.MSE,
	}).Info("Evaluation done")
	return metrics, nil
}

// snapshot captures weights, optimizer buffers and progress
func (t *Trainer) snapshot() (*checkpoints.Checkpoint, error) {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
	}
	lr := t.scheduler.GetLR(t.state.Epoch, t.state.GlobalStep, t.config.MaxLR)
	return &checkpoints.Checkpoint{
		Weights:        checkpoints.ExtractWeights(t.model.Parameters()),
		TrainingState:  t.state.Checkpoint(lr, t.totalSteps),
		OptimizerState: optState.ToCheckpoint(),
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("epoch %d, step %d", t.state.Epoch, t.state.GlobalStep),
			Tags:        []string{"pit", t.scheduler.GetName()},
		},
	}, nil
}
