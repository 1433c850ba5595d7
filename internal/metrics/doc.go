// Package metrics defines the Prometheus collectors pulsewatch exports.
//
// Collectors are package-level and become visible once Register attaches them
// to a registerer. Observe* helpers are safe to call before registration, so
// components never need a nil check. Totals and WriteText read a Gatherer
// back for the status endpoint and the -once dump.
package metrics
