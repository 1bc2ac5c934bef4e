// Package jobs provides the in-process job registry and state machine.
// It enforces the closed status transition table, single-active job classes,
// cooperative cancellation, and retention-based eviction, and publishes every
// transition to the notifier for live streaming.
package jobs
