// Package worker drains the inbound task queue.
//
// Ingestion and execution are decoupled: a webhook handler only has to
// enqueue the event (EnqueueEvent, or EnqueueEventAt for a delayed
// dispatch) and acknowledge upstream. Workers pull tasks with ProcessOne
// and hand them to a Dispatcher, normally the event router, which starts
// one workflow instance per bound workflow. ProcessOne returns once those
// instances are terminal, so the number of worker goroutines bounds how many
// events are in progress.
//
// Dead-lettered instances can be replayed asynchronously with EnqueueReplay.
//
// # Put-back
//
// A workflow that fails or is dead-lettered is the engine's concern and is
// never re-enqueued. A task whose hand-over itself failed (the engine was
// closing, the DLQ store was unreachable) is put back with Attempts+1 and a
// doubling NotBefore delay until Config.MaxAttempts is reached. Re-dispatch
// is safe: instances that already completed are adopted through their
// idempotency records instead of running again.
//
// Queues are pluggable (in-memory, SQLite, Redis, MongoDB); see the conduit
// package for the wiring used by Orchestrator.
package worker
