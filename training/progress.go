package training

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// EpochProgress renders a per-epoch batch counter with the latest cycle loss
type EpochProgress struct {
	progress *mpb.Progress
	bar      *mpb.Bar
	loss     atomic.Uint64 // math.Float64bits of the latest loss
}

// NewEpochProgress starts a bar for total batches written to w
func NewEpochProgress(w io.Writer, epoch, total int) *EpochProgress {
	ep := &EpochProgress{}
	ep.loss.Store(math.Float64bits(math.NaN()))

	ep.progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(w))
	ep.bar = ep.progress.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("Epoch %d: ", epoch)),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.Any(func(decor.Statistics) string {
				loss := math.Float64frombits(ep.loss.Load())
				if math.IsNaN(loss) {
					return ""
				}
				return fmt.Sprintf(" loss %.4f", loss)
			}),
		),
	)
	return ep
}

// Increment advances one batch
func (ep *EpochProgress) Increment() {
	ep.bar.Increment()
}

// SetLoss updates the loss shown next to the bar
func (ep *EpochProgress) SetLoss(loss float64) {
	ep.loss.Store(math.Float64bits(loss))
}

// Finish stops the bar and waits for rendering. A bar left short of its total,
// after a cancelled or failed epoch, is aborted so Wait can return.
func (ep *EpochProgress) Finish() {
	if !ep.bar.Completed() {
		ep.bar.Abort(false)
	}
	ep.progress.Wait()
}
