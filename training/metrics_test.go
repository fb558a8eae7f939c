package training

import (
	"math"
	"testing"
)

func TestCalculateEvalMetrics(t *testing.T) {
	// SI-SDR of 0.1 is 10 dB, of 0.01 is 20 dB
	m := CalculateEvalMetrics([]float64{0.1, 0.01})
	if m.Examples != 2 {
		t.Errorf("Expected 2 examples, got %d", m.Examples)
	}
	if math.Abs(m.SISDR-15) > 1e-9 {
		t.Errorf("Expected mean SI-SDR 15, got %f", m.SISDR)
	}
	if math.Abs(m.MinSISDR-10) > 1e-9 || math.Abs(m.MaxSISDR-20) > 1e-9 {
		t.Errorf("Expected range [10, 20], got [%f, %f]", m.MinSISDR, m.MaxSISDR)
	}
	if math.Abs(m.MSE-0.055) > 1e-12 {
		t.Errorf("Expected mean MSE 0.055, got %f", m.MSE)
	}
	if m.SISDRStd <= 0 {
		t.Errorf("Expected positive spread, got %f", m.SISDRStd)
	}
}

func TestCalculateEvalMetricsEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		mse     []float64
		wantNaN bool
		want    float64
	}{
		{"empty", nil, true, 0},
		{"single", []float64{1}, false, 0},
		{"perfect", []float64{0}, false, 100},
		{"nan example", []float64{0.1, math.NaN()}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateEvalMetrics(tt.mse).SISDR
			if tt.wantNaN {
				if !math.IsNaN(got) {
					t.Errorf("Expected NaN, got %f", got)
				}
				return
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected %f, got %f", tt.want, got)
			}
		})
	}
}

func TestRunningMean(t *testing.T) {
	var r RunningMean
	if !math.IsNaN(r.Mean()) {
		t.Error("Empty mean should be NaN")
	}
	for _, v := range []float64{0.4, 0.6, 0.5} {
		r.Add(v)
	}
	if r.Count() != 3 || math.Abs(r.Mean()-0.5) > 1e-12 {
		t.Errorf("Expected mean 0.5 over 3, got %f over %d", r.Mean(), r.Count())
	}
}
