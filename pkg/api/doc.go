// Package api contains the core types shared by the extask worker, its
// transports and its embedded engine.
//
// Most users interact with the higher-level extask package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom transports, custom observers, and contributors extending the
// worker itself.
//
// # Concepts
//
//   - Config: polling, locking and retry settings for one topic
//   - ExternalTask: one task locked by a worker
//   - Handler and Outcome: the handler contract; every handled task yields
//     exactly one CompleteOutcome, FailureOutcome or BpmnErrorOutcome
//   - Subscription: a topic bound to a handler and Config overrides
//   - EngineClient: the transport to the workflow engine
//   - Observer: lifecycle callbacks for logging and metrics
//
// # Retry bookkeeping
//
// A FailureOutcome without an explicit retry count is reported with
// RemainingRetries: the task's current count (or Config.DefaultRetries for a
// task that never failed) minus one, floored at zero. A report with zero
// retries is an ordinary failure call; turning it into an incident is the
// engine's responsibility.
//
// # Errors
//
// Transports classify their errors with ErrNotFoundOrLockExpired (the task
// is gone or no longer locked by the reporting worker) and
// ErrTransportMisconfigured (nothing a retry can fix). Anything else is
// treated as transient.
package api
