// Package telemetry provides observability for the dbaas control plane.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process lifecycle event bus.
//
// # Usage
//
// Initialize telemetry at process startup and attach it to the context the
// orchestrator runs under:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// # Operations
//
// Every orchestrator operation is wrapped in an InstrumentedContext, which
// opens a span, tags the logger and records the outcome:
//
//	ic := telemetry.StartOperation(ctx, "provisioning.bind",
//	    telemetry.AttrDatabase.String(name))
//	defer func() { ic.End(err) }()
//
// Engine calls go through RecordDriverCall so each call gets a child span
// and the driver_calls_total / driver_errors_total series. Error outcomes
// are labelled with the taxonomy kind of the failure (connection,
// authentication, database_already_exists and so on).
//
// # Metrics
//
//   - dbaas_operations_total{operation,outcome}
//   - dbaas_operation_duration_seconds{operation}
//   - dbaas_step_retries_total{step}
//   - dbaas_state_transitions_total{from,to}
//   - dbaas_databases{state}
//   - dbaas_driver_calls_total{engine,operation}
//   - dbaas_driver_call_duration_seconds{engine,operation}
//   - dbaas_driver_errors_total{engine,kind}
//
// # Events
//
// The event bus carries state transitions, provisioning failures, binds,
// imports and credential alerts. Subscribers can filter by level, type or
// database:
//
//	tel.Events.Subscribe(notify, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Never log credentials. Credential passwords are excluded from JSON
// encoding of the model types and must not be passed as log fields.
package telemetry
