package training

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func TestEpochProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewEpochProgress(&buf, 3, 4)
	for i := 0; i < 4; i++ {
		p.Increment()
	}
	p.SetLoss(0.125)
	p.Finish()

	// Non-terminal writers only get the final frame
	if out := buf.String(); out != "" && !strings.Contains(out, "Epoch 3") {
		t.Errorf("Expected epoch label in output, got %q", out)
	}
}

func TestEpochProgressEarlyFinish(t *testing.T) {
	tests := []struct {
		name  string
		total int
		done  int
	}{
		{"part way", 10, 1},
		{"nothing done", 10, 0},
		{"empty epoch", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				p := NewEpochProgress(io.Discard, 0, tt.total)
				for i := 0; i < tt.done; i++ {
					p.Increment()
				}
				p.Finish()
			}()
			select {
			case <-finished:
			case <-time.After(5 * time.Second):
				t.Fatalf("Finish blocked with %d of %d batches done", tt.done, tt.total)
			}
		})
	}
}
