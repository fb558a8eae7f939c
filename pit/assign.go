package pit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/combin"
)

// ErrNonFiniteCost is returned by Hungarian when the cost matrix holds NaN or Inf
var ErrNonFiniteCost = errors.New("cost matrix contains non-finite values")

// exhaustiveLimit is the largest speaker count enumerated by AssignerFor (8! = 40320 permutations)
const exhaustiveLimit = 8

// Assigner finds a minimum-cost perfect matching over a square cost matrix.
// The returned permutation maps row i to column perm[i].
type Assigner interface {
	MinCostAssignment(cost mat.Matrix) (float64, []int, error)
}

// AssignerFor returns Exhaustive for small speaker counts and Hungarian otherwise
func AssignerFor(n int) Assigner {
	if n <= exhaustiveLimit {
		return Exhaustive{}
	}
	return Hungarian{}
}

func square(cost mat.Matrix) (int, error) {
	r, c := cost.Dims()
	if r != c {
		return 0, fmt.Errorf("%w: cost matrix is %dx%d", ErrShapeMismatch, r, c)
	}
	return r, nil
}

// Exhaustive enumerates every permutation. For two speakers this is the
// identity versus swap comparison. Ties keep the earlier permutation, so the
// identity wins when all pairings cost the same.
type Exhaustive struct{}

func (Exhaustive) MinCostAssignment(cost mat.Matrix) (float64, []int, error) {
	n, err := square(cost)
	if err != nil {
		return 0, nil, err
	}

	best := identity(n)
	bestCost := permCost(cost, best)

	gen := combin.NewPermutationGenerator(n, n)
	perm := make([]int, n)
	for gen.Next() {
		gen.Permutation(perm)
		if c := permCost(cost, perm); c < bestCost {
			bestCost = c
			best = append(best[:0], perm...)
		}
	}
	return bestCost, best, nil
}

func permCost(cost mat.Matrix, perm []int) float64 {
	var total float64
	for i, j := range perm {
		total += cost.At(i, j)
	}
	return total
}

// Hungarian solves the assignment problem with the O(n^3) Kuhn-Munkres
// potentials method.
type Hungarian struct{}

func (Hungarian) MinCostAssignment(cost mat.Matrix) (float64, []int, error) {
	n, err := square(cost)
	if err != nil {
		return 0, nil, err
	}
	if !finiteMatrix(cost) {
		return 0, nil, ErrNonFiniteCost
	}

	// Potentials u (rows), v (columns) and matching colOwner are 1-indexed;
	// slot 0 is the virtual starting row.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	colOwner := make([]int, n+1)
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		colOwner[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}

		for {
			used[j0] = true
			i0 := colOwner[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost.At(i0-1, j-1) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[colOwner[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if colOwner[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			j1 := way[j0]
			colOwner[j0] = colOwner[j1]
			j0 = j1
		}
	}

	perm := make([]int, n)
	for j := 1; j <= n; j++ {
		perm[colOwner[j]-1] = j - 1
	}
	return permCost(cost, perm), perm, nil
}
