package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RunNameLayout is the time layout of run directory names (YYYYMMDD_HHMMSS)
const RunNameLayout = "20060102_150405"

// bestName is the file stem of the best-metric slot
const bestName = "best"

// Store owns the checkpoint files of one run: an "epoch-NN" file per epoch and a
// single "best" file, all under <root>/<timestamp>.
type Store struct {
	runDir string
	saver  *CheckpointSaver
}

// NewStore creates the run directory <root>/<started formatted as RunNameLayout>
func NewStore(root string, format CheckpointFormat, started time.Time) (*Store, error) {
	runDir := filepath.Join(root, started.Format(RunNameLayout))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create run directory: %w", ErrIO, err)
	}
	return &Store{
		runDir: runDir,
		saver:  NewCheckpointSaver(format),
	}, nil
}

// RunDir returns the directory holding this run's checkpoints
func (s *Store) RunDir() string {
	return s.runDir
}

// EpochPath returns the path of the per-epoch slot
func (s *Store) EpochPath(epoch int) string {
	return filepath.Join(s.runDir, fmt.Sprintf("epoch-%02d.%s", epoch, s.saver.Format().Ext()))
}

// BestPath returns the path of the best slot
func (s *Store) BestPath() string {
	return filepath.Join(s.runDir, bestName+"."+s.saver.Format().Ext())
}

// SaveEpoch writes the per-epoch slot
func (s *Store) SaveEpoch(cp *Checkpoint, epoch int) error {
	return s.saver.SaveCheckpoint(cp, s.EpochPath(epoch))
}

// SaveBest overwrites the best slot
func (s *Store) SaveBest(cp *Checkpoint) error {
	return s.saver.SaveCheckpoint(cp, s.BestPath())
}

// Latest returns the highest-numbered epoch checkpoint in dir, the recovery point
// after an interrupted run.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}

	type candidate struct {
		epoch int
		path  string
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "epoch-") {
			continue
		}
		stem := strings.TrimSuffix(strings.TrimPrefix(name, "epoch-"), filepath.Ext(name))
		n, err := strconv.Atoi(stem)
		if err != nil {
			continue
		}
		found = append(found, candidate{epoch: n, path: filepath.Join(dir, name)})
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: no epoch checkpoints in %s", ErrIO, dir)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].epoch < found[j].epoch })
	return found[len(found)-1].path, nil
}
