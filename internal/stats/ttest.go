package stats

import "math"

const (
	betaMaxIter = 100
	betaEpsilon = 1e-10
	betaFPMin   = 1e-30
)

// TTestResult is the outcome of a two-sample t-test.
type TTestResult struct {
	T      float64 `json:"t"`
	DF     float64 `json:"df"`
	PValue float64 `json:"pValue"`
}

// WelchTTest tests whether the means of a and b differ, without assuming
// equal variances. T is positive when mean(a) > mean(b); swapping the samples
// negates T and leaves DF and PValue unchanged.
func WelchTTest(a, b []float64) TTestResult {
	degenerate := TTestResult{T: 0, PValue: 1}
	if len(a) < 2 || len(b) < 2 {
		return degenerate
	}

	na, nb := float64(len(a)), float64(len(b))
	ma, mb := Mean(a), Mean(b)
	sa, sb := StdDevAround(a, ma), StdDevAround(b, mb)

	va, vb := sa*sa/na, sb*sb/nb
	se := math.Sqrt(va + vb)
	if se == 0 || math.IsNaN(se) {
		return degenerate
	}

	t := (ma - mb) / se
	df := (va + vb) * (va + vb) / (va*va/(na-1) + vb*vb/(nb-1))

	p := 2 * (1 - StudentTCDF(math.Abs(t), df))
	return TTestResult{T: t, DF: df, PValue: clamp01(p)}
}

// StudentTCDF returns P(T <= t) for a Student t distribution with df degrees
// of freedom.
func StudentTCDF(t, df float64) float64 {
	if df <= 0 || math.IsNaN(t) {
		return math.NaN()
	}
	x := df / (df + t*t)
	tail := 0.5 * RegularizedIncompleteBeta(x, df/2, 0.5)
	if t > 0 {
		return 1 - tail
	}
	return tail
}

// RegularizedIncompleteBeta returns I_x(a, b).
func RegularizedIncompleteBeta(x, a, b float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}
	lnFront := LogGamma(a+b) - LogGamma(a) - LogGamma(b) + a*math.Log(x) + b*math.Log(1-x)
	front := math.Exp(lnFront)

	// The continued fraction converges quickly only below the mean of the
	// distribution; use the symmetry I_x(a,b) = 1 - I_{1-x}(b,a) above it.
	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(x, a, b) / a
	}
	return 1 - front*betaContinuedFraction(1-x, b, a)/b
}

// betaContinuedFraction evaluates the incomplete beta continued fraction with
// the modified Lentz method.
func betaContinuedFraction(x, a, b float64) float64 {
	qab := a + b
	qap := a + 1
	qam := a - 1

	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < betaFPMin {
		d = betaFPMin
	}
	d = 1 / d
	h := d

	for m := 1; m <= betaMaxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm

		// even step
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < betaFPMin {
			d = betaFPMin
		}
		c = 1 + aa/c
		if math.Abs(c) < betaFPMin {
			c = betaFPMin
		}
		d = 1 / d
		h *= d * c

		// odd step
		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < betaFPMin {
			d = betaFPMin
		}
		c = 1 + aa/c
		if math.Abs(c) < betaFPMin {
			c = betaFPMin
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < betaEpsilon {
			break
		}
	}
	return h
}

var lanczos = [6]float64{
	76.18009172947146,
	-86.50532032941677,
	24.01409824083091,
	-1.231739572450155,
	0.1208650973866179e-2,
	-0.5395239384953e-5,
}

// LogGamma returns ln Γ(x) for x > 0 using a six-term Lanczos approximation.
func LogGamma(x float64) float64 {
	y := x
	tmp := x + 5.5
	tmp -= (x + 0.5) * math.Log(tmp)
	ser := 1.000000000190015
	for _, c := range lanczos {
		y++
		ser += c / y
	}
	return -tmp + math.Log(2.5066282746310005*ser/x)
}

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
