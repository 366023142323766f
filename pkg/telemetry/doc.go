// Package telemetry provides logging, tracing, metrics and event publishing
// for the provisioning engine and the profile registry.
//
// Logging uses zerolog, tracing uses OpenTelemetry, and metrics are exposed
// through a Prometheus registry. A Telemetry instance is carried in a
// context.Context; instrumented code looks it up with FromTelemetryContext
// and does nothing when it is absent:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	status := eng.Perform(ctx, profile, phases, operands, nil)
//
// # Events
//
// The engine publishes transaction.started, phase.started, phase.completed,
// and then transaction.committed or transaction.rolled_back. The registry
// publishes profile.added, profile.changed and profile.removed. Delivery is
// synchronous unless EventsConfig.EnableAsync is set:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.ProfileID)
//	}, telemetry.FilterByType(telemetry.EventTypeTransactionCommitted))
//
// # Metrics
//
// All metrics live under the configured namespace, for example
// provision_transactions_completed_total{severity} and
// provision_phase_duration_seconds{phase,severity}. Every Metrics method is
// a no-op when metrics are disabled.
package telemetry
