// Package scheduler drives the plugin lifecycle:
//
//	INIT → STARTUP → TICKING → SHUTDOWN → STOPPED
//
// Startup entries run as one batch before ticking begins. While ticking, a
// poll loop hands due time-driven entries to the dispatcher without waiting
// for them. Stop halts the loop, waits for in-flight batches and runs the
// shutdown batch. Execution itself belongs to internal/task/engine and due
// time arithmetic to internal/task/clock.
package scheduler
