package training

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-latentsep/config"
	"github.com/tsawler/go-latentsep/optimizer"
	"github.com/tsawler/go-latentsep/tensor"
)

// recordingOptimizer captures the gradient and learning rate of every Step
type recordingOptimizer struct {
	lr    float32
	steps uint64
	grads [][]float32
	lrs   []float32
}

func (o *recordingOptimizer) Step(params []*tensor.Parameter) error {
	o.steps++
	o.grads = append(o.grads, append([]float32(nil), params[0].Grad.Data...))
	o.lrs = append(o.lrs, o.lr)
	return nil
}

func (o *recordingOptimizer) GetState() (*optimizer.OptimizerState, error) {
	return &optimizer.OptimizerState{Type: "Recording", Parameters: map[string]interface{}{}}, nil
}

func (o *recordingOptimizer) LoadState(*optimizer.OptimizerState) error { return nil }
func (o *recordingOptimizer) GetStepCount() uint64                      { return o.steps }
func (o *recordingOptimizer) UpdateLearningRate(lr float32)             { o.lr = lr }
func (o *recordingOptimizer) GetLearningRate() float32                  { return o.lr }

// countingScheduler returns step+1 so tests can see which step each cycle used
type countingScheduler struct {
	calls int
}

func (s *countingScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	s.calls++
	return float64(step + 1)
}

func (s *countingScheduler) GetName() string { return "Counting" }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestController(t *testing.T, cfg StepConfig, size int) (*StepController, *tensor.Parameter, *recordingOptimizer, *countingScheduler, *State) {
	t.Helper()
	value, err := tensor.Zeros(size)
	if err != nil {
		t.Fatal(err)
	}
	param := tensor.NewParameter("w", value)
	opt := &recordingOptimizer{}
	sched := &countingScheduler{}
	state := NewState()
	c, err := NewStepController(cfg, []*tensor.Parameter{param}, opt, sched, state, quietLogger())
	if err != nil {
		t.Fatalf("NewStepController failed: %v", err)
	}
	return c, param, opt, sched, state
}

// addGrad returns a backward pass contributing g per element, scaled
func addGrad(p *tensor.Parameter, g float32) BackwardFunc {
	return func(scale float32) error {
		for i := range p.Grad.Data {
			p.Grad.Data[i] += scale * g
		}
		return nil
	}
}

func TestOneStepPerAccumulationCycle(t *testing.T) {
	for _, accum := range []int{1, 2, 3, 5} {
		c, p, opt, sched, state := newTestController(t, StepConfig{GradAccum: accum, MaxLR: 1}, 2)

		const k = 4
		completed := 0
		for i := 0; i < accum*k; i++ {
			out, err := c.Micro(1, addGrad(p, 1))
			if err != nil {
				t.Fatalf("Micro failed: %v", err)
			}
			if out.Completed() {
				completed++
				if (i+1)%accum != 0 {
					t.Errorf("grad_accum %d: cycle completed after micro-batch %d", accum, i+1)
				}
			}
		}

		if completed != k || opt.steps != k || c.OptimizerSteps != k {
			t.Errorf("grad_accum %d: expected %d steps, got completed %d optimizer %d", accum, k, completed, opt.steps)
		}
		if sched.calls != k || state.GlobalStep != k {
			t.Errorf("grad_accum %d: expected %d scheduler advances, got %d calls and global step %d",
				accum, k, sched.calls, state.GlobalStep)
		}
		for i, lr := range opt.lrs {
			if lr != float32(i+1) {
				t.Errorf("grad_accum %d: step %d used lr %f", accum, i, lr)
			}
		}
	}
}

func TestAccumulatedLossAndGradientAreAverages(t *testing.T) {
	c, p, opt, _, _ := newTestController(t, StepConfig{GradAccum: 2, MaxLR: 1}, 1)

	// loss_i = a_i * w, so dloss_i/dw = a_i
	out, err := c.Micro(0.4, addGrad(p, 0.4))
	if err != nil {
		t.Fatal(err)
	}
	if out.Completed() || out.State != Accumulating {
		t.Errorf("First micro-batch should only accumulate, got %+v", out)
	}
	if c.Phase() != ReadyToStep {
		t.Errorf("Expected ReadyToStep phase, got %v", c.Phase())
	}

	out, err = c.Micro(0.6, addGrad(p, 0.6))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Stepped || out.State != ReadyToStep {
		t.Fatalf("Expected an optimizer step, got %+v", out)
	}
	if math.Abs(out.Loss-0.5) > 1e-12 {
		t.Errorf("Expected cycle loss 0.5, got %f", out.Loss)
	}
	if math.Abs(float64(opt.grads[0][0])-0.5) > 1e-6 {
		t.Errorf("Expected averaged gradient 0.5, got %f", opt.grads[0][0])
	}
	if p.Grad.Data[0] != 0 {
		t.Errorf("Gradients not zeroed after step: %f", p.Grad.Data[0])
	}
	if c.Phase() != Accumulating {
		t.Errorf("Expected Accumulating phase after step, got %v", c.Phase())
	}
}

func TestOverflowSkipsUpdateButAdvances(t *testing.T) {
	c, p, opt, sched, state := newTestController(t, StepConfig{GradAccum: 2, MaxLR: 1}, 3)

	if _, err := c.Micro(1, addGrad(p, 1)); err != nil {
		t.Fatal(err)
	}
	out, err := c.Micro(math.NaN(), addGrad(p, float32(math.NaN())))
	if err != nil {
		t.Fatalf("Overflow must not be returned as an error: %v", err)
	}
	if !out.Skipped || out.Stepped || out.State != Overflow {
		t.Fatalf("Expected skipped cycle, got %+v", out)
	}
	if !errors.Is(out.Err, ErrNumericOverflow) {
		t.Errorf("Expected ErrNumericOverflow in outcome, got %v", out.Err)
	}
	if opt.steps != 0 {
		t.Errorf("Optimizer stepped on overflow")
	}
	if state.GlobalStep != 1 || sched.calls != 1 || state.MicroSteps != 0 {
		t.Errorf("Overflow cycle should still count: step %d calls %d micro %d",
			state.GlobalStep, sched.calls, state.MicroSteps)
	}
	if c.SkippedSteps != 1 || c.OverflowCount != 1 {
		t.Errorf("Expected one skipped step, got %d skipped %d overflows", c.SkippedSteps, c.OverflowCount)
	}
	if !tensor.AllFinite(p.Grad) || tensor.Norm2(p.Grad) != 0 {
		t.Errorf("Gradients not reset after overflow: %v", p.Grad.Data)
	}

	// The next cycle trains normally
	for i := 0; i < 2; i++ {
		out, err = c.Micro(1, addGrad(p, 1))
		if err != nil {
			t.Fatal(err)
		}
	}
	if !out.Stepped || opt.steps != 1 || state.GlobalStep != 2 {
		t.Errorf("Expected recovery step, got %+v (optimizer steps %d)", out, opt.steps)
	}
}

func TestMixedPrecisionBacksOffScale(t *testing.T) {
	c, p, opt, _, _ := newTestController(t, StepConfig{GradAccum: 2, MaxLR: 1, AMP: true}, 1)

	if got := c.Scaler().Scale(); got != DefaultInitScale {
		t.Fatalf("Expected initial scale %g, got %g", DefaultInitScale, got)
	}

	// Two micro-batches of gradient 1 accumulate to the full scale, 65536,
	// which exceeds the binary16 range
	var out StepOutcome
	for i := 0; i < 2; i++ {
		out, _ = c.Micro(1, addGrad(p, 1))
	}
	if !out.Skipped {
		t.Fatalf("Expected half precision overflow at scale %g, got %+v", DefaultInitScale, out)
	}
	if got := c.Scaler().Scale(); got != DefaultInitScale/2 {
		t.Errorf("Expected scale to back off to %g, got %g", DefaultInitScale/2, got)
	}

	for i := 0; i < 2; i++ {
		out, _ = c.Micro(1, addGrad(p, 1))
	}
	if !out.Stepped {
		t.Fatalf("Expected a step at the reduced scale, got %+v", out)
	}
	if math.Abs(float64(opt.grads[0][0])-1) > 1e-3 {
		t.Errorf("Expected unscaled gradient 1, got %f", opt.grads[0][0])
	}
}

func TestGradientsAreClipped(t *testing.T) {
	c, p, opt, _, _ := newTestController(t, StepConfig{GradAccum: 1, MaxLR: 1}, 4)

	// Four elements of 5 give a norm of 10
	out, err := c.Micro(1, addGrad(p, 5))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(out.GradNorm-10) > 1e-5 {
		t.Errorf("Expected pre-clip norm 10, got %f", out.GradNorm)
	}
	var sq float64
	for _, g := range opt.grads[0] {
		sq += float64(g) * float64(g)
	}
	if math.Abs(math.Sqrt(sq)-DefaultClipNorm) > 1e-4 {
		t.Errorf("Expected clipped norm %g, got %f", DefaultClipNorm, math.Sqrt(sq))
	}
}

func TestPartialCycleCarriesOver(t *testing.T) {
	c, p, opt, _, state := newTestController(t, StepConfig{GradAccum: 3, MaxLR: 1}, 1)

	for i := 0; i < 2; i++ {
		if _, err := c.Micro(1, addGrad(p, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if state.MicroSteps != 2 || opt.steps != 0 {
		t.Fatalf("Expected a pending cycle of 2, got %d micro and %d steps", state.MicroSteps, opt.steps)
	}

	// An epoch boundary does not flush; the third micro-batch completes the cycle
	out, err := c.Micro(1, addGrad(p, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Stepped || opt.steps != 1 {
		t.Errorf("Expected the carried cycle to step, got %+v", out)
	}
	if math.Abs(float64(opt.grads[0][0])-1) > 1e-6 {
		t.Errorf("Expected averaged gradient 1 over the carried cycle, got %f", opt.grads[0][0])
	}
}

func TestBackwardErrorIsReturned(t *testing.T) {
	c, _, _, _, state := newTestController(t, StepConfig{GradAccum: 2, MaxLR: 1}, 1)
	boom := errors.New("boom")
	if _, err := c.Micro(1, func(float32) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Expected backward error, got %v", err)
	}
	if state.MicroSteps != 0 {
		t.Errorf("Failed micro-batch must not count, got %d", state.MicroSteps)
	}
}

func TestNewStepControllerValidation(t *testing.T) {
	_, err := NewStepController(StepConfig{GradAccum: 0}, nil, &recordingOptimizer{}, &ConstantScheduler{}, NewState(), nil)
	if !errors.Is(err, config.ErrConfig) {
		t.Errorf("Expected ErrConfig for zero grad_accum, got %v", err)
	}
	if _, err := NewStepController(StepConfig{GradAccum: 1}, nil, nil, &ConstantScheduler{}, NewState(), nil); err == nil {
		t.Error("Expected error without optimizer")
	}
}

func TestLossScalerGrowth(t *testing.T) {
	s := NewLossScaler(true)
	for i := 0; i < DefaultGrowthEvery-1; i++ {
		s.Update(false)
	}
	if s.Scale() != DefaultInitScale {
		t.Errorf("Scale grew early: %g", s.Scale())
	}
	s.Update(false)
	if s.Scale() != 2*DefaultInitScale {
		t.Errorf("Expected scale %g after %d clean steps, got %g", 2*DefaultInitScale, DefaultGrowthEvery, s.Scale())
	}

	disabled := NewLossScaler(false)
	disabled.Update(true)
	if disabled.Scale() != 1 || disabled.Enabled() {
		t.Errorf("Disabled scaler must keep scale 1, got %g", disabled.Scale())
	}
}
