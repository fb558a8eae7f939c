package tensor

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Workers returns the kernel fan-out for this host: physical cores when
// cpuid can detect them, logical CPUs otherwise.
func Workers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// CPUSummary describes the host CPU for startup logging
func CPUSummary() string {
	var simd []string
	for _, f := range []cpuid.FeatureID{cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.F16C, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			simd = append(simd, f.String())
		}
	}
	if len(simd) == 0 {
		simd = []string{"none"}
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores, simd: %s)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, strings.Join(simd, ","))
}

// ParallelFor runs body(i) for i in [0, n) on at most limit goroutines
func ParallelFor(n, limit int, body func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	if n <= 0 {
		return
	}
	if limit == 1 || n == 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}

	wg.Wait()
}
