// Package evalflow carries the messages of distributed evaluations between
// the processes that produce them and the processes that consume them.
// It sits on top of Watermill and reads the broker (NATS, RabbitMQ, Kafka or
// in-process Go channels) from Config, optionally starting an embedded NATS
// server so a single binary can run without external infrastructure.
//
// Every evaluation is identified by a correlation id. Service.OpenSession
// returns a Session scoped to that id: it publishes envelopes stamped with
// the id onto three logical destinations (evaluation, status and statistics)
// and consumes only envelopes carrying the same id. A CompletionTracker owned
// by the session decides when the evaluation is complete, failed or timed out,
// and Session.AwaitCompletion blocks until then.
//
// # Connections
//
// Sessions lease connections from a bounded pool. When the pool is exhausted,
// OpenSession waits up to broker.pool.acquireTimeout and then fails with
// ErrPoolExhausted. CheckConnectivity probes a broker with a throwaway
// connection, retrying with exponential backoff.
//
// # Hooks
//
// ServiceDependencies.Hooks receives OnOpen and OnOutcome callbacks for every
// session. LoggingHooks and AlertingHooks are ready-made sets.
//
// # Metrics
//
// With metrics.enabled set, pool, probe, session and outcome collectors are
// registered with prometheus and served by Service.MetricsHandler.
package evalflow
