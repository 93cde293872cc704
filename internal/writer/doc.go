// Package writer is the error-reporting collaborator of the scheduler.
//
// Reports from the dispatcher and alerts from plugins are queued without
// blocking the caller, rate-limited per source, and delivered by one
// supervised worker to the configured sinks (log, store, bus).
package writer
