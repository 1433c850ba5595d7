// Package scheduler drives periodic probing and the analyzer pipeline.
//
// A cycle selects every active endpoint that is due, probes them in batches
// of ten concurrent requests, and after each persisted check runs the
// anomaly detector, the predictive engine and, once enough history exists,
// the regression detector. Analyzer failures are logged and counted, never
// propagated. At most one cycle runs at a time; a cycle holding the lock
// longer than StaleAfter is presumed stuck and its lock is taken over.
package scheduler
