package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean of xs, or 0 for an empty sample.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(sorted(xs), nil)
}

// StdDev returns the sample standard deviation of xs, or 0 when len(xs) < 2.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return math.Sqrt(stat.Variance(sorted(xs), nil))
}

// StdDevAround is StdDev with a caller-supplied mean.
func StdDevAround(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range sorted(xs) {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// Percentile returns the p-th percentile (0..100) of xs, interpolating
// linearly between neighbouring ranks. It returns 0 for an empty sample.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := sorted(xs)
	switch {
	case p <= 0:
		return s[0]
	case p >= 100:
		return s[len(s)-1]
	}
	rank := p / 100 * float64(len(s)-1)
	lo, hi := math.Floor(rank), math.Ceil(rank)
	if lo == hi {
		return s[int(lo)]
	}
	frac := rank - lo
	return s[int(lo)]*(1-frac) + s[int(hi)]*frac
}

// Summary is the set of descriptive statistics the detectors report.
type Summary struct {
	N      int
	Mean   float64
	StdDev float64
	P95    float64
	P99    float64
}

// Summarize computes Summary for xs.
func Summarize(xs []float64) Summary {
	m := Mean(xs)
	return Summary{
		N:      len(xs),
		Mean:   m,
		StdDev: StdDevAround(xs, m),
		P95:    Percentile(xs, 95),
		P99:    Percentile(xs, 99),
	}
}

// sorted returns an ascending copy of xs. Summing in a fixed order keeps
// results identical under any permutation of the input.
func sorted(xs []float64) []float64 {
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	return s
}
