package training

import (
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/tsawler/go-latentsep/checkpoints"
)

type recordingWriter struct {
	epochs    []int
	bestSteps []int
	failEpoch error
	failBest  error
}

func (w *recordingWriter) SaveEpoch(cp *checkpoints.Checkpoint, epoch int) error {
	if w.failEpoch != nil {
		return w.failEpoch
	}
	w.epochs = append(w.epochs, epoch)
	return nil
}

func (w *recordingWriter) SaveBest(cp *checkpoints.Checkpoint) error {
	if w.failBest != nil {
		return w.failBest
	}
	w.bestSteps = append(w.bestSteps, cp.TrainingState.Step)
	return nil
}

func TestBestSlotOnlyOnStrictImprovement(t *testing.T) {
	w := &recordingWriter{}
	state := NewState()
	tracker := NewBestTracker(w, state, quietLogger())

	metrics := []float64{1.0, 1.0, 2.0, 0.5}
	wantBest := []bool{true, false, true, false}
	for i, m := range metrics {
		decision, err := tracker.Record(&checkpoints.Checkpoint{}, i+1, i, m)
		if err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
		if !decision.WroteEpoch {
			t.Errorf("Call %d: epoch slot not written", i+1)
		}
		if decision.WroteBest != wantBest[i] {
			t.Errorf("Call %d: expected WroteBest %v, got %v", i+1, wantBest[i], decision.WroteBest)
		}
	}

	if len(w.epochs) != 4 {
		t.Errorf("Expected 4 epoch writes, got %d", len(w.epochs))
	}
	if len(w.bestSteps) != 2 || w.bestSteps[0] != 1 || w.bestSteps[1] != 3 {
		t.Errorf("Expected best writes after calls 1 and 3, got steps %v", w.bestSteps)
	}
	if tracker.Best() != 2.0 || state.BestMetric != 2.0 {
		t.Errorf("Expected best 2.0, got %f", tracker.Best())
	}
}

func TestNaNNeverBest(t *testing.T) {
	w := &recordingWriter{}
	tracker := NewBestTracker(w, NewState(), quietLogger())

	decision, err := tracker.Record(&checkpoints.Checkpoint{}, 1, 0, math.NaN())
	if err != nil {
		t.Fatal(err)
	}
	if decision.WroteBest || !decision.WroteEpoch {
		t.Errorf("NaN metric: expected epoch write only, got %+v", decision)
	}
	if tracker.Best() != InitialBestMetric {
		t.Errorf("Best changed to %f", tracker.Best())
	}
}

func TestFailedWriteKeepsBest(t *testing.T) {
	ioErr := errors.New("disk full")
	w := &recordingWriter{failBest: ioErr}
	tracker := NewBestTracker(w, NewState(), quietLogger())

	decision, err := tracker.Record(&checkpoints.Checkpoint{}, 1, 0, 3)
	if !errors.Is(err, ioErr) {
		t.Fatalf("Expected write error, got %v", err)
	}
	if !decision.WroteEpoch || decision.WroteBest {
		t.Errorf("Unexpected decision %+v", decision)
	}
	if tracker.Best() != InitialBestMetric {
		t.Errorf("Best committed despite failed write: %f", tracker.Best())
	}

	w.failBest = nil
	w.failEpoch = ioErr
	if _, err := tracker.Record(&checkpoints.Checkpoint{}, 2, 1, 4); !errors.Is(err, ioErr) {
		t.Errorf("Expected epoch write error, got %v", err)
	}
	if len(w.bestSteps) != 0 {
		t.Error("Best slot written after failed epoch write")
	}
}

func TestTrackerWithStore(t *testing.T) {
	store, err := checkpoints.NewStore(t.TempDir(), checkpoints.FormatProto, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	tracker := NewBestTracker(store, NewState(), quietLogger())

	for epoch, metric := range []float64{5, 7, 6} {
		if _, err := tracker.Record(&checkpoints.Checkpoint{}, 10*(epoch+1), epoch, metric); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	best, err := checkpoints.Load(store.BestPath())
	if err != nil {
		t.Fatalf("Failed to load best: %v", err)
	}
	if best.TrainingState.Epoch != 1 || best.TrainingState.Step != 20 || best.TrainingState.BestMetric != 7 {
		t.Errorf("Unexpected best checkpoint state %+v", best.TrainingState)
	}

	last, err := checkpoints.Load(store.EpochPath(2))
	if err != nil {
		t.Fatal(err)
	}
	// The epoch slot carries the best metric so far for resuming
	if last.TrainingState.BestMetric != 7 {
		t.Errorf("Expected best metric 7 in epoch 2 checkpoint, got %f", last.TrainingState.BestMetric)
	}
	if _, err := os.Stat(store.EpochPath(0)); err != nil {
		t.Errorf("Epoch 0 checkpoint missing: %v", err)
	}
}
