// Package api contains the core types shared by the conduit router, engine
// and storage backends. It defines events, workflow and step definitions,
// retry policies, the error taxonomy, and the interfaces the engine depends
// on for idempotency and dead-lettering.
//
// Most users interact with the higher-level conduit package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom storage backends, connectors and observers.
//
// # Events and Keys
//
// An Event is the normalized record handed over by the transport layer. A
// KeyFunc derives the idempotency key that identifies one workflow invocation
// for that event; EventIDKey, PayloadHashKey and PayloadFieldKey cover the
// common cases.
//
// # Steps
//
// A StepDefinition names a StepFunc and carries its own RetryPolicy, timeout
// and integration name. Step functions receive the triggering Event (first
// step) or the previous step's output, and report failures as errors
// classified with Transient or Permanent. Unclassified errors are transient.
// Step functions must not retry on their own; the engine does.
//
// # Idempotency and Dead Letters
//
// IdempotencyStore arbitrates concurrent claims on a key and keeps the single
// completed record per key. DeadLetterQueue keeps instances that exhausted
// their retries until an operator replays or acks them.
//
// # Observability
//
// The Observer interface receives event, workflow and step lifecycle
// callbacks. LoggingObserver writes them with log/slog, BasicMetrics keeps
// in-memory counters, and NewCompositeObserver fans out to several
// observers.
package api
