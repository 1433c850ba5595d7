// Package dependency maintains per-user endpoint dependency graphs.
//
// Each endpoint owns a DependencyRecord holding its outgoing (dependsOn) and
// incoming (dependents) edges; the two sides always mirror each other.
// After every topology change the critical-path figures of all of the
// user's nodes are recomputed. Traversals run over an index-based
// adjacency list built from the records and carry a visited set, so cycles
// are safe.
//
// DetectDependencies mines failure history for undeclared dependencies: a
// failure on A that is repeatedly preceded, within five minutes, by a
// failure on B suggests A depends on B.
package dependency
