package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = false
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{
			name: "bad exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "invalid trace exporter",
		},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: "listen address",
		},
		{name: "zero event buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEventPublisher_SyncDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	received := make(chan Event, 4)
	ep.Subscribe(func(e Event) { received <- e }, FilterByKey("note/n1"))

	if err := ep.PublishKeySynced("laptop", "note/n1", "upload_local", time.Second); err != nil {
		t.Fatalf("PublishKeySynced() error = %v", err)
	}
	if err := ep.PublishKeySynced("laptop", "note/n2", "upload_local", time.Second); err != nil {
		t.Fatalf("PublishKeySynced() error = %v", err)
	}

	select {
	case e := <-received:
		if e.Type != EventTypeKeySynced || e.Key != "note/n1" || e.DeviceID != "laptop" {
			t.Errorf("unexpected event %+v", e)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event ID and timestamp must be set, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-received:
		t.Fatalf("filtered event delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventPublisher_AsyncDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	received := make(chan Event, 4)
	ep.Subscribe(func(e Event) { received <- e }, FilterByLevel(EventLevelError))

	_ = ep.PublishProgress("laptop", 3)
	_ = ep.PublishKeyFailed("laptop", "note/n1", "merge", "boom")

	select {
	case e := <-received:
		if e.Type != EventTypeKeyFailed || e.Data["reason"] != "boom" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := ep.PublishSyncStateChanged("laptop", "loading", "synced"); err != nil {
		t.Errorf("Publish() on disabled publisher error = %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestFilterByType(t *testing.T) {
	f := FilterByType(EventTypeSyncStateChanged, EventTypeSyncProgress)
	if !f(Event{Type: EventTypeSyncProgress}) {
		t.Error("progress event should pass")
	}
	if f(Event{Type: EventTypeKeyFailed}) {
		t.Error("key failed event should not pass")
	}
}

func TestMetrics_Recording(t *testing.T) {
	m, err := NewMetrics(testConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.SetSyncState(3)
	m.SetOutstandingKeys(7)
	m.RecordAction("merge", "synced", 10*time.Millisecond)
	m.RecordAction("merge", "synced", 10*time.Millisecond)
	m.RecordOperation("remote", "save", "error", time.Millisecond)
	m.RecordError("transient", "CONNECTION_FAILED")
	m.RecordReconnect()

	if got := testutil.ToFloat64(m.syncState); got != 3 {
		t.Errorf("sync_state = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.outstandingKeys); got != 7 {
		t.Errorf("outstanding = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.actions.WithLabelValues("merge", "synced")); got != 2 {
		t.Errorf("actions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("remote", "save", "error")); got != 1 {
		t.Errorf("operations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("CONNECTION_FAILED")); got != 1 {
		t.Errorf("errors by code = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reconnects); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.SetSyncState(1)
	m.RecordAction("merge", "synced", time.Millisecond)
	m.RecordOperation("local", "load", "success", time.Millisecond)
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	srv, err := m.StartMetricsServer()
	if srv != nil || err != nil {
		t.Errorf("StartMetricsServer() = %v, %v, want nil, nil", srv, err)
	}
}

func TestRecordStoreOperation(t *testing.T) {
	tel, err := NewTelemetry(testConfig())
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())
	ctx := tel.WithContext(context.Background())

	wantErr := errors.New("disk full")
	err = RecordStoreOperation(ctx, "local", "save", "note/n1", func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RecordStoreOperation() error = %v, want %v", err, wantErr)
	}
	if got := testutil.ToFloat64(tel.Metrics.operations.WithLabelValues("local", "save", "error")); got != 1 {
		t.Errorf("operations = %v, want 1", got)
	}

	// Without telemetry in the context the function still runs.
	called := false
	_ = RecordStoreOperation(context.Background(), "local", "load", "note/n1", func(context.Context) error {
		called = true
		return nil
	})
	if !called {
		t.Error("fn was not called")
	}
}

func TestActionContext(t *testing.T) {
	tel, err := NewTelemetry(testConfig())
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	received := make(chan Event, 4)
	tel.Events.Subscribe(func(e Event) { received <- e }, FilterByType(EventTypeKeyFailed))

	ctx := WithActionContext(tel.WithContext(context.Background()), "laptop", "note", "n1", "merge")
	EndActionContext(ctx, "laptop", "note/n1", "merge", errors.New("merge failed"))

	select {
	case e := <-received:
		if e.Key != "note/n1" {
			t.Errorf("event key = %q, want note/n1", e.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for key failed event")
	}
	if got := testutil.ToFloat64(tel.Metrics.actions.WithLabelValues("merge", "failed")); got != 1 {
		t.Errorf("failed actions = %v, want 1", got)
	}
}

func TestLogger_Fields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.NewComponentLogger("engine").
		WithDeviceID("laptop").
		WithKey("note", "n1").
		WithAction("merge").
		Error(errors.New("boom"), "Merge failed")
	logger.Debug("plain")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), data)
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	want := map[string]string{
		"level":     "error",
		"component": "engine",
		"device_id": "laptop",
		"key_type":  "note",
		"key_id":    "n1",
		"action":    "merge",
		"error":     "boom",
		"message":   "Merge failed",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %q", k, rec[k], v)
		}
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "kept") {
		t.Errorf("unexpected log output:\n%s", data)
	}
}

func TestFromContext_Fallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext() returned nil without a stored logger")
	}
}
