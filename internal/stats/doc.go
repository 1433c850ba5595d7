// Package stats provides the descriptive statistics and significance test used
// by the anomaly, regression and predictive detectors.
//
// Mean and the sample standard deviation (n-1 divisor) are computed with
// gonum/stat. Percentile uses linear interpolation between the ranks
// floor(p/100*(n-1)) and ceil(p/100*(n-1)) of the sorted sample.
//
// WelchTTest compares two independent samples with unequal variances using
// the Welch–Satterthwaite degrees of freedom. The two-tailed p-value comes
// from the Student t CDF, evaluated through the regularized incomplete beta
// function (Lentz continued fraction, Lanczos log-gamma). Degenerate inputs
// (fewer than two samples on either side, or zero standard error) yield
// {T: 0, PValue: 1} rather than an error.
package stats
