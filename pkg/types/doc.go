// Package types holds the persisted entity shapes shared by every pulsewatch
// component: monitored endpoints, probe checks, anomalies, regressions,
// predictive alerts and dependency records.
//
// schema.go defines Schema, the structural description of a JSON response
// body, together with InferSchema which derives one from a decoded value.
// Schemas are what the anomaly detector diffs to report schema drift.
package types
