// Package worker provides the polling loop that drives external tasks of a
// workflow engine.
//
// A Worker subscribes to one topic at a time. Each poll cycle it
//
//   - fetches and locks up to Config.MaxTasks tasks for its worker id,
//   - runs the handler for every task of the batch concurrently,
//   - reports exactly one outcome per task (complete, failure or BPMN error),
//   - sleeps for Config.SleepInterval.
//
// Handlers that return an error, panic, or return no outcome are reported as
// failures with the remaining retry count computed by api.RemainingRetries.
//
// # Shutdown
//
// Cancelling the context passed to Subscribe stops the loop at the next
// cycle boundary. A batch that is already being handled is never
// interrupted: every handler runs to completion and its outcome is
// reported before Subscribe returns.
//
// Most applications run several subscriptions at once through the pool
// package or the extask package helpers.
package worker
