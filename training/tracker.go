package training

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-latentsep/checkpoints"
)

// CheckpointWriter persists the two checkpoint slots of a run.
// checkpoints.Store implements it.
type CheckpointWriter interface {
	SaveEpoch(cp *checkpoints.Checkpoint, epoch int) error
	SaveBest(cp *checkpoints.Checkpoint) error
}

// Decision reports which slots Record wrote
type Decision struct {
	WroteEpoch bool
	WroteBest  bool
}

// BestTracker keeps the per-epoch and best-metric checkpoints of a run.
// Higher metrics are better; loss-like metrics must be negated by the caller.
type BestTracker struct {
	writer CheckpointWriter
	state  *State
	logger logrus.FieldLogger
}

// NewBestTracker creates a tracker whose best metric lives in state
func NewBestTracker(writer CheckpointWriter, state *State, logger logrus.FieldLogger) *BestTracker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BestTracker{writer: writer, state: state, logger: logger}
}

// Best returns the best metric recorded so far
func (bt *BestTracker) Best() float64 {
	return bt.state.BestMetric
}

// Record always writes the epoch slot and overwrites the best slot only when
// metric is strictly greater than the best so far. NaN never improves. The
// best metric is committed only after both writes succeed.
func (bt *BestTracker) Record(cp *checkpoints.Checkpoint, step, epoch int, metric float64) (Decision, error) {
	var decision Decision

	improved := metric > bt.state.BestMetric
	best := bt.state.BestMetric
	if improved {
		best = metric
	}

	cp.TrainingState.Step = step
	cp.TrainingState.Epoch = epoch
	cp.TrainingState.BestMetric = best

	if err := bt.writer.SaveEpoch(cp, epoch); err != nil {
		return decision, fmt.Errorf("failed to write epoch %d checkpoint: %w", epoch, err)
	}
	decision.WroteEpoch = true

	if improved {
		if err := bt.writer.SaveBest(cp); err != nil {
			return decision, fmt.Errorf("failed to write best checkpoint: %w", err)
		}
		decision.WroteBest = true
		bt.logger.WithFields(logrus.Fields{
			"epoch":    epoch,
			"step":     step,
			"metric":   metric,
			"previous": bt.state.BestMetric,
		}).Info("New best checkpoint")
	}

	bt.state.BestMetric = best
	return decision, nil
}
