// Package engine provides the background execution bridge. It runs job work
// functions off the request path under per-class concurrency limits, relays
// progress reports into the registry, and converts work outcomes into
// terminal state transitions.
package engine
