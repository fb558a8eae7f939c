// Package pit implements the permutation-invariant matching loss used to train
// multi-head separators. Predicted and target speaker sets are compared pairwise
// and the loss is taken under the lowest-cost speaker assignment.
package pit

import (
	"fmt"
	"math"

	"github.com/tsawler/go-latentsep/tensor"
	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned when the speaker sets differ in cardinality or
// any tensor differs in shape.
var ErrShapeMismatch = tensor.ErrShapeMismatch

// Reduction selects the form of the loss returned by Score
type Reduction int

const (
	// ReduceMean produces a scalar loss for training
	ReduceMean Reduction = iota
	// ReduceNone additionally keeps the elementwise squared error of every matched pair
	ReduceNone
)

func (r Reduction) String() string {
	switch r {
	case ReduceMean:
		return "mean"
	case ReduceNone:
		return "none"
	default:
		return fmt.Sprintf("Reduction(%d)", int(r))
	}
}

// Scorer computes the matching loss for a fixed number of speakers
type Scorer struct {
	NSpk      int
	Reduction Reduction
	// Assigner solves the assignment over the pair cost matrix. Nil selects AssignerFor(NSpk).
	Assigner Assigner
	// Workers bounds the goroutines used to fill the cost matrix. Zero uses tensor.Workers().
	Workers int
}

// NewScorer returns a Scorer for nSpk speakers with the default assigner
func NewScorer(nSpk int, reduction Reduction) *Scorer {
	return &Scorer{
		NSpk:      nSpk,
		Reduction: reduction,
		Assigner:  AssignerFor(nSpk),
	}
}

// Result is the outcome of one Score call
type Result struct {
	// Loss is (1/n) * sum_i mse(pred[i], target[Assignment[i]])
	Loss float64
	// Assignment maps predicted head i to target index Assignment[i]
	Assignment []int
	// PairCost holds mse(pred[i], target[j]) at (i, j)
	PairCost *mat.Dense

	// Elementwise and PerSample are only populated with ReduceNone.
	// Elementwise[i] is (pred[i] - target[Assignment[i]])^2.
	Elementwise []*tensor.Tensor
	// PerSample[b] is the matched MSE of batch entry b averaged over heads
	PerSample []float64
}

// Score matches pred against target and returns the minimum-cost loss.
// It does not modify its inputs.
func (s *Scorer) Score(pred, target []*tensor.Tensor) (*Result, error) {
	n := s.NSpk
	if n <= 0 {
		n = len(pred)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty speaker set", ErrShapeMismatch)
	}
	if len(pred) != n || len(target) != n {
		return nil, fmt.Errorf("%w: expected %d predicted and %d target latents, got %d and %d",
			ErrShapeMismatch, n, n, len(pred), len(target))
	}
	ref := pred[0]
	for i := 0; i < n; i++ {
		if err := tensor.CheckSameShape(ref, pred[i]); err != nil {
			return nil, fmt.Errorf("predicted head %d: %w", i, err)
		}
		if err := tensor.CheckSameShape(ref, target[i]); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
	}

	cost := s.pairCosts(pred, target)

	assigner := s.Assigner
	if assigner == nil {
		assigner = AssignerFor(n)
	}

	var (
		total float64
		perm  []int
	)
	if finiteMatrix(cost) {
		var err error
		total, perm, err = assigner.MinCostAssignment(cost)
		if err != nil {
			return nil, err
		}
	} else {
		// Non-finite errors have no meaningful ordering; keep the heads in place
		// and let the NaN surface in the loss.
		perm = identity(n)
		for i := 0; i < n; i++ {
			total += cost.At(i, i)
		}
	}

	res := &Result{
		Loss:       total / float64(n),
		Assignment: perm,
		PairCost:   cost,
	}

	if s.Reduction == ReduceNone {
		if err := res.unreduced(pred, target); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *Scorer) pairCosts(pred, target []*tensor.Tensor) *mat.Dense {
	n := len(pred)
	cost := mat.NewDense(n, n, nil)
	workers := s.Workers
	if workers <= 0 {
		workers = tensor.Workers()
	}

	// Each cell is written by exactly one goroutine
	tensor.ParallelFor(n*n, workers, func(k int) {
		i, j := k/n, k%n
		mse, err := tensor.MSE(pred[i], target[j])
		if err != nil {
			mse = math.NaN()
		}
		cost.Set(i, j, mse)
	})
	return cost
}

func (r *Result) unreduced(pred, target []*tensor.Tensor) error {
	n := len(pred)
	r.Elementwise = make([]*tensor.Tensor, n)
	batch := pred[0].Shape[0]
	r.PerSample = make([]float64, batch)

	for i := 0; i < n; i++ {
		sq, err := tensor.SquaredError(pred[i], target[r.Assignment[i]])
		if err != nil {
			return err
		}
		r.Elementwise[i] = sq

		means, err := tensor.MeanPerSample(sq)
		if err != nil {
			return err
		}
		for b, m := range means {
			r.PerSample[b] += m / float64(n)
		}
	}
	return nil
}

// Gradients returns dLoss/dPred[i] for the reduced loss under the matched
// assignment: 2 * (pred[i] - target[Assignment[i]]) / (n * numel).
func (r *Result) Gradients(pred, target []*tensor.Tensor) ([]*tensor.Tensor, error) {
	n := len(pred)
	if len(r.Assignment) != n || len(target) != n {
		return nil, fmt.Errorf("%w: result covers %d heads, got %d predicted and %d target",
			ErrShapeMismatch, len(r.Assignment), n, len(target))
	}
	grads := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		diff, err := tensor.Sub(pred[i], target[r.Assignment[i]])
		if err != nil {
			return nil, err
		}
		tensor.Scale(float32(2/(float64(n)*float64(diff.NumElems))), diff)
		grads[i] = diff
	}
	return grads, nil
}

func finiteMatrix(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func identity(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}
