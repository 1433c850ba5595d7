// Package narrative turns detector findings into short human-readable text.
//
// Generator is the capability the detectors depend on. HTTPGenerator calls an
// OpenAI-compatible chat completions endpoint, rate limited with
// golang.org/x/time/rate and bounded by a per-call timeout. Template renders
// the prompt facts directly and never fails.
//
// Describe is the best-effort entry point: a nil generator, an error, or an
// empty answer all yield the caller's fallback string.
package narrative
