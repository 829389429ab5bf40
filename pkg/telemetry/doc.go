// Package telemetry provides observability instrumentation for froyosync.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring a sync node.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithDeviceID("laptop").WithKey("note", "n1")
//	logger.Info("Uploading local change")
//	logger.Error(err, "Upload failed")
//
// Levels follow zerolog: trace, debug, info, warn, error, fatal.
//
// # Distributed Tracing
//
// Every reconciliation action gets a span, and every store operation issued
// for it gets a child span:
//
//	ctx, span := tel.Tracer.StartActionSpan(ctx, "note/n1", "upload_local")
//	defer span.End()
//
// Supported exporters: "otlp" (gRPC), "stdout" and "none".
//
// # Metrics
//
// Key metrics exposed (namespace froyosync by default):
//
//   - froyosync_sync_state
//   - froyosync_sync_outstanding_keys
//   - froyosync_sync_failed_keys
//   - froyosync_remote_connectivity_state
//   - froyosync_sync_actions_total{action,result}
//   - froyosync_sync_action_duration_seconds{action}
//   - froyosync_sync_operations_total{replica,kind,result}
//   - froyosync_sync_operation_duration_seconds{replica,kind}
//   - froyosync_errors_by_class_total{class}
//   - froyosync_remote_reconnects_total
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics) when enabled.
//
// # Event Publishing
//
// Sync progress is published as events that subscribers can filter:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeKeyFailed))
//
// Event filters: FilterByLevel, FilterByType, FilterByKey
//
// # Context Helpers
//
//	ctx = telemetry.WithActionContext(ctx, deviceID, "note", "n1", "merge")
//	defer telemetry.EndActionContext(ctx, deviceID, "note/n1", "merge", err)
//
//	err := telemetry.RecordStoreOperation(ctx, "remote", "save", "note/n1",
//	    func(ctx context.Context) error {
//	        return remote.Save(ctx, key, doc)
//	    })
//
// Always shut down telemetry to flush buffered events and pending traces.
package telemetry
