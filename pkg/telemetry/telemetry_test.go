package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dbaas/dbaas/pkg/drivers"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "requires an endpoint",
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "empty buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("orchestrator").
		WithDatabase("dev", "orders").
		WithEngine("mysql", "8.0").
		Info("provisioned")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	want := map[string]string{
		"component":      "orchestrator",
		"environment":    "dev",
		"database":       "orders",
		"engine":         "mysql",
		"engine_version": "8.0",
		"message":        "provisioned",
		"level":          "info",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("field %s = %v, want %s", k, line[k], v)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Fatalf("info message written at warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn message missing: %s", buf.String())
	}
}

func TestMetricsRecordDriverCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.Enabled = false
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	_ = RecordDriverCall(ctx, "mysql", "create_database", func(context.Context) error { return nil })
	err = RecordDriverCall(ctx, "mysql", "create_database", func(context.Context) error {
		return drivers.NewConnectionError("engine unreachable", errors.New("dial tcp: refused"))
	})
	if !drivers.IsConnection(err) {
		t.Fatalf("RecordDriverCall() must return fn's error unchanged, got %v", err)
	}

	families, err := tel.Metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	counts := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				counts[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	if counts["dbaas_driver_calls_total"] != 2 {
		t.Errorf("driver_calls_total = %v, want 2", counts["dbaas_driver_calls_total"])
	}
	if counts["dbaas_driver_errors_total"] != 1 {
		t.Errorf("driver_errors_total = %v, want 1", counts["dbaas_driver_errors_total"])
	}
}

func TestInstrumentedContextOutcome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.Enabled = false
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	StartOperation(ctx, "provisioning.bind").End(nil)
	StartOperation(ctx, "provisioning.bind").End(drivers.NewNotFoundError("orders"))

	families, _ := tel.Metrics.Registry().Gather()
	outcomes := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "dbaas_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" {
					outcomes[lp.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	if outcomes["success"] != 1 || outcomes["not_found"] != 1 {
		t.Fatalf("operations_total outcomes = %v, want success=1 not_found=1", outcomes)
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordOperation("provisioning.apply", "success", time.Second)
	m.RecordDriverError("mysql", "connection")
	m.SetDatabaseCount("active", 3)
	if m.Registry() != nil {
		t.Fatal("disabled metrics must not expose a registry")
	}
}

func TestAsyncEventsDrainOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Hour,
		MaxBatchSize:  100,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	}, FilterByDatabase("db-1"))

	_ = ep.PublishStateChanged("db-1", "dev/orders", "requested", "provisioning")
	_ = ep.PublishStateChanged("db-2", "dev/other", "requested", "provisioning")
	_ = ep.PublishBind("db-1", "dev/orders", "unit-1", false)

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != EventTypeStateChanged || got[1] != EventTypeBindRemoved {
		t.Fatalf("delivered events = %v", got)
	}
	if err := ep.Publish(Event{Type: "late"}); err == nil {
		t.Fatal("Publish() after Shutdown must fail")
	}
}

func TestEventBufferFull(t *testing.T) {
	ep := &EventPublisher{
		config: EventsConfig{Enabled: true, EnableAsync: true},
		buffer: make(chan Event, 1),
		ctx:    context.Background(),
	}
	if err := ep.Publish(Event{Type: "first"}); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	if err := ep.Publish(Event{Type: "second"}); err == nil {
		t.Fatal("Publish() into a full buffer must fail")
	}
}
