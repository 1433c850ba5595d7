// Package prober executes one HTTP probe lifecycle against a monitored
// endpoint and records exactly one Check for it.
//
// A lifecycle is up to 1+Retries attempts. Only transient failures (timeouts
// and network errors such as connection resets or DNS failures) are retried,
// with a linear backoff of RetryDelay*(attempt+1). Any HTTP response, 4xx and
// 5xx included, ends the lifecycle; success means the status code equals the
// endpoint's expected status.
//
// After the final attempt the Check is handed to the Recorder, which stores it
// and advances the endpoint's runtime state (consecutive failures, last
// checked/success/failure timestamps, and the baseline schema on the first
// parseable success) against the stored endpoint in one step. Configuration
// fields are never written by the prober.
//
// Response bodies larger than MaxBodyBytes are replaced by a truncation
// marker that keeps the original size.
package prober
