// Package conduit is an embeddable, event-driven workflow orchestrator for
// integration pipelines.
//
// Upstream systems (CRM webhooks, ERP exports, scheduled pulls) hand conduit
// events. Each event type is bound to one or more workflows: ordered lists
// of steps that call downstream systems. conduit runs every matched workflow
// at most once per idempotency key, retries transient step failures with
// exponential backoff, throttles calls per integration and parks instances
// that exhaust their retries in a dead letter queue for later replay.
//
// # Core Concepts
//
//  1. Event: type, optional source id, opaque payload.
//  2. Workflow: a name, an ordered list of steps and a KeyFunc.
//  3. Orchestrator: router, engine, storage backend and queue worker.
//  4. FlowBuilder: fluent construction of workflow definitions.
//
// # Defining workflows
//
//	flow := conduit.New("sync-contact").
//	    KeyedBy(conduit.PayloadFieldKey("contact_id")).
//	    Step("fetch", fetchContact, conduit.WithIntegration("hubspot")).
//	    Step("upsert", upsertAccount,
//	        conduit.WithIntegration("netsuite"),
//	        conduit.WithRetry(conduit.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy()))
//
//	flow.MustRegister(orch, "contact.created")
//
// The first step receives the triggering Event; every later step receives
// the output of the step before it. Steps report failures as errors and
// classify them with Transient or Permanent. Unclassified errors are treated
// as transient. A step never retries on its own: the engine owns retries.
//
// TypedStep and PayloadStep adapt strongly typed functions to StepFunc.
//
// # Running
//
// Dispatch starts the matched instances and returns receipts; Run also
// waits for them. Enqueue hands the event to the inbound queue, drained by
// goroutines started with StartWorkers.
//
//	orch, err := conduit.NewOrchestrator(ctx, conduit.WithSQLite(db))
//	...
//	receipts, err := orch.Dispatch(ctx, conduit.NewEvent("contact.created", "evt-1", payload))
//
// # Storage
//
// Idempotency records, dead letters, the instance archive and the inbound
// queue share one backend:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (modernc.org/sqlite)
//   - PostgreSQL (pgx)
//   - Redis
//   - MongoDB
//
// Redis and MongoDB do not archive finished instances.
//
// Open builds an Orchestrator from a pkg/config file, opening the backend
// named there.
//
// # Dead letters
//
// DeadLetters lists parked instances. Replay re-runs an entry's event under
// a fresh idempotency attempt and acks the entry; Discard drops it.
//
// # Observability
//
// Every Orchestrator logs lifecycle events through log/slog and keeps
// BasicMetrics counters (see Metrics). Extra observers, such as the
// OpenTelemetry one in hooks/otel, are added with WithObserver.
package conduit
