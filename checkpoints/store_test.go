package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreLayout(t *testing.T) {
	root := t.TempDir()
	started := time.Date(2024, 3, 9, 7, 5, 1, 0, time.Local)

	store, err := NewStore(root, FormatProto, started)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	wantDir := filepath.Join(root, "20240309_070501")
	if store.RunDir() != wantDir {
		t.Errorf("Expected run dir %s, got %s", wantDir, store.RunDir())
	}
	if got := filepath.Base(store.EpochPath(3)); got != "epoch-03.pb" {
		t.Errorf("Expected epoch-03.pb, got %s", got)
	}
	if got := filepath.Base(store.BestPath()); got != "best.pb" {
		t.Errorf("Expected best.pb, got %s", got)
	}

	for epoch := 0; epoch < 12; epoch++ {
		cp := testCheckpoint()
		cp.TrainingState.Epoch = epoch
		if err := store.SaveEpoch(cp, epoch); err != nil {
			t.Fatalf("SaveEpoch(%d) failed: %v", epoch, err)
		}
	}
	if err := store.SaveBest(testCheckpoint()); err != nil {
		t.Fatalf("SaveBest failed: %v", err)
	}

	latest, err := Latest(store.RunDir())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if filepath.Base(latest) != "epoch-11.pb" {
		t.Errorf("Expected epoch-11.pb as latest, got %s", latest)
	}

	cp, err := Load(latest)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.TrainingState.Epoch != 11 {
		t.Errorf("Expected epoch 11, got %d", cp.TrainingState.Epoch)
	}
}

func TestLatestWithoutCheckpoints(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "best.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Latest(dir); !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
	if _, err := Latest(filepath.Join(dir, "missing")); !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO for missing dir, got %v", err)
	}
}
