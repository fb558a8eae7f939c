package dataset

import (
	"fmt"
)

// Subset exposes the first limit examples of another dataset, for smoke runs
// on a slice of a large manifest.
type Subset struct {
	base  Dataset
	limit int
}

// NewSubset wraps base. A limit above base.Len() exposes everything.
func NewSubset(base Dataset, limit int) (*Subset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > base.Len() {
		limit = base.Len()
	}
	return &Subset{base: base, limit: limit}, nil
}

func (s *Subset) Len() int {
	return s.limit
}

func (s *Subset) Get(idx int) (Example, error) {
	if idx < 0 || idx >= s.limit {
		return Example{}, fmt.Errorf("index %d out of range for subset of %d", idx, s.limit)
	}
	return s.base.Get(idx)
}
