// Package regression detects sustained response time degradation by
// comparing the last 24 hours of successful checks with the six days before
// them.
//
// Both windows need at least MinSamples successful checks. A regression is
// recorded when the current mean is at least 20% above the baseline mean and
// Welch's t-test gives p < 0.05. Re-running detection while an active or
// investigating regression detected inside the current window exists returns
// that record instead of creating another.
package regression
