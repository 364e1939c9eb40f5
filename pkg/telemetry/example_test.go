package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/dbaas/dbaas/pkg/telemetry"
)

// Example_eventPublishing demonstrates subscribing to lifecycle events.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, nil)

	_ = tel.Events.PublishStateChanged("db-1", "dev/orders", "provisioning", "active")
	_ = tel.Events.PublishBind("db-1", "dev/orders", "unit-1", true)

	// Output:
	// database.state_changed: database dev/orders moved from provisioning to active
	// bind.created: unit unit-1 bound to dev/orders
}

// Example_eventFiltering demonstrates a level filter on a subscriber.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Println("alert:", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = tel.Events.PublishStateChanged("db-1", "dev/orders", "active", "quarantined")
	_ = tel.Events.PublishCredentialSuspect("infra-1", "mysql-dev-01")
	_ = tel.Events.PublishProvisionFailed("db-2", "dev/billing", "connection: engine unreachable")

	// Output:
	// alert: infra.credential_suspect
	// alert: database.provision_failed
}

// Example_instrumentedOperation demonstrates wrapping an operation and a driver call.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	ic := telemetry.StartOperation(ctx, "provisioning.apply",
		telemetry.AttrDatabase.String("orders"),
	)

	err := telemetry.RecordDriverCall(ic.Ctx, "mysql", "create_database", func(context.Context) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	ic.End(err)

	fmt.Println("operation recorded")
	// Output: operation recorded
}

// Example_productionConfiguration demonstrates validating a production configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()
	cfg.ServiceVersion = "1.2.3"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Metrics.ListenAddress = ":9090"

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("production configuration validated")
	// Output: production configuration validated
}
