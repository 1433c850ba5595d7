// Package store persists endpoints, checks, anomalies, regressions,
// predictive alerts and dependency records.
//
// Two backends implement Store: Memory, a mutex-guarded set of maps for tests
// and single-process deployments, and SQLite, a modernc.org/sqlite database
// with versioned migrations. Both return copies, so callers may mutate what
// they read and write it back with the matching Save method.
//
// RunRetention drives Expire on a ticker: checks older than the retention
// window are deleted and active predictive alerts past their ExpiresAt are
// marked expired.
package store
