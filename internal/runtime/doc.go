/*
Package runtime wires the evaluation messaging core together.

# Package Structure

## Core Service (service.go)

Service starts the embedded broker when configured, probes the broker,
builds the transport registry and the connection pool, and opens evaluation
sessions on demand. Close tears everything down in reverse order.

## Hooks (hooks.go)

SessionHooks observe a session becoming ready and its evaluation reaching a
terminal state.

# Sub-packages

  - config/: viper-backed configuration with validation and redaction
  - destination/: logical to physical destination mapping
  - embedded/: in-process NATS server supervisor
  - envelope/: wire envelope, correlation selector and status payload codec
  - errors/: sentinel errors and error types
  - ids/: ULID generation
  - logging/: logger interface and adapters
  - metrics/: prometheus collectors
  - pool/: bounded connection pool and connectivity probe
  - session/: correlation-scoped publish/consume sessions
  - tracker/: per-evaluation completion state machine

# Usage Example

	cfg, err := evalflow.LoadConfig("evalflow.yaml")
	if err != nil {
		return err
	}
	svc, err := evalflow.NewService(ctx, cfg, logger, evalflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	sess, err := svc.OpenSession(ctx, "E1", evalflow.SessionOptions{
		Consume: []string{"evaluation", "status", "statistics"},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	state, err := sess.AwaitCompletion(ctx)
*/
package runtime
