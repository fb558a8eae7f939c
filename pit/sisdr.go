package pit

import "math"

// mseFloor keeps SISDR finite for a perfect reconstruction
const mseFloor = 1e-10

// SISDR converts a mean squared error into a scale-invariant distortion ratio in dB,
// -10 * log10(mse). Higher is better.
func SISDR(mse float64) float64 {
	if math.IsNaN(mse) {
		return math.NaN()
	}
	if mse < mseFloor {
		mse = mseFloor
	}
	return -10 * math.Log10(mse)
}
