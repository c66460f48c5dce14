// Package extask provides an external task worker for Camunda-7-style
// workflow engines.
//
// A workflow engine delegates a unit of work to the outside world by
// publishing an external task on a named topic. Workers long-poll the engine
// with fetch-and-lock calls, run a handler for each locked task, and report
// exactly one outcome per task: complete, failure or BPMN error. The engine
// owns retry accounting and incidents; the worker only computes the
// remaining retries it reports.
//
// # Core Concepts
//
//  1. EngineClient
//  2. Handler and Outcome
//  3. Worker and Pool
//  4. Embedded engine
//  5. LocalRunner
//
// # EngineClient
//
// An EngineClient is the transport to the engine. NewRESTClient speaks the
// Camunda 7 REST API. The embedded engines returned by NewInMemoryEngine,
// NewSQLiteEngine and NewPostgresEngine implement the same interface
// in-process.
//
// # Handler and Outcome
//
// A Handler receives one ExternalTask and returns an Outcome:
//
//	func(ctx context.Context, task *extask.ExternalTask) (extask.Outcome, error)
//
// Return task.Complete(vars) to finish the task, task.BpmnError(code, msg)
// to raise a business error, or a failure built with Fail to ask for a
// retry. A returned error or a panic is reported as a failure on the
// handler's behalf, with one retry fewer than the task had.
//
// # Worker and Pool
//
// A Worker runs the poll loop of one topic. A Pool runs one Worker per
// Subscription, each on its own goroutine, so a slow topic never delays
// another. Subscriptions are easiest to build with Subscribe:
//
//	sub := extask.Subscribe("invoice").
//	    Handler(handleInvoice).
//	    LockDuration(time.Minute).
//	    Build()
//
// Cancelling the context stops the loops after the batch in progress was
// handled and reported.
//
// # Embedded engine
//
// The embedded engine stores tasks in memory, SQLite or PostgreSQL. It
// implements fetch-and-lock with lock expiry, retry timeouts and incidents,
// and adds Publish, Get and List for the producer side. NewSQLiteBundle
// wires a SQLite engine and a Pool on one database.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine and a Pool into a single,
// process-local helper useful for development and unit testing. It is not
// crash-durable.
//
// For runnable programs, see cmd/extask-worker and examples/localrunner.
package extask
