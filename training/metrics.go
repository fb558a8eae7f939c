package training

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-latentsep/pit"
)

// EvalMetrics summarises one evaluation pass
type EvalMetrics struct {
	SISDR    float64 // mean per-example SI-SDR in dB, the tracked metric
	SISDRStd float64
	MinSISDR float64
	MaxSISDR float64
	MSE      float64 // mean per-example matched MSE
	Examples int
}

// CalculateEvalMetrics derives SI-SDR statistics from per-example matched MSE.
// A non-finite MSE makes the mean non-finite, which never counts as best.
func CalculateEvalMetrics(perExampleMSE []float64) *EvalMetrics {
	if len(perExampleMSE) == 0 {
		return &EvalMetrics{SISDR: math.NaN(), SISDRStd: math.NaN(), MinSISDR: math.NaN(), MaxSISDR: math.NaN(), MSE: math.NaN()}
	}

	sisdr := make([]float64, len(perExampleMSE))
	for i, mse := range perExampleMSE {
		sisdr[i] = pit.SISDR(mse)
	}

	m := &EvalMetrics{
		MSE:      stat.Mean(perExampleMSE, nil),
		MinSISDR: floats.Min(sisdr),
		MaxSISDR: floats.Max(sisdr),
		Examples: len(perExampleMSE),
	}
	if len(sisdr) > 1 {
		m.SISDR, m.SISDRStd = stat.MeanStdDev(sisdr, nil)
	} else {
		m.SISDR = sisdr[0]
	}
	return m
}

// RunningMean averages values fed one at a time
type RunningMean struct {
	sum   float64
	count int
}

// Add includes v
func (r *RunningMean) Add(v float64) {
	r.sum += v
	r.count++
}

// Count returns how many values were added
func (r *RunningMean) Count() int { return r.count }

// Mean returns the average, NaN when empty
func (r *RunningMean) Mean() float64 {
	if r.count == 0 {
		return math.NaN()
	}
	return r.sum / float64(r.count)
}
