// Package predictive forecasts endpoint failures from leading indicators
// observed over a rolling six hour window.
//
// Each indicator fires as a WarningSignal with a severity. Severities are
// weighted (low 10, medium 20, high 35, critical 50) and summed into a
// failure probability capped at 95. Forecasts under 30 are discarded. An
// endpoint has at most one active alert per window; re-evaluation replaces
// the signals of that alert in place.
package predictive
