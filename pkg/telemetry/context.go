package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// sync node.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	metricsServer *http.Server
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every telemetry component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains pending events, flushes traces and stops the metrics
// server. Every component is shut down even if an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	errs := []error{
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	}
	if t.metricsServer != nil {
		errs = append(errs, t.metricsServer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
// The server is stopped by Shutdown.
func (t *Telemetry) StartMetricsServer() error {
	srv, err := t.Metrics.StartMetricsServer()
	if err != nil {
		return err
	}
	t.metricsServer = srv
	return nil
}

// actionSpanKey is the context key for action spans.
type actionSpanKey struct{}

// actionTimerKey is the context key for action timers.
type actionTimerKey struct{}

// WithDeviceContext creates a context whose logger carries the device ID.
func WithDeviceContext(ctx context.Context, deviceID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}
	return tel.Logger.WithDeviceID(deviceID).WithContext(ctx)
}

// WithActionContext creates a context enriched with telemetry for one
// reconciliation action. typeName and id identify the object key.
func WithActionContext(ctx context.Context, deviceID, typeName, id, action string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	key := typeName + "/" + id
	spanCtx, span := tel.Tracer.StartActionSpan(ctx, key, action)

	spanCtx = tel.Logger.
		WithDeviceID(deviceID).
		WithKey(typeName, id).
		WithAction(action).
		WithSpan(span).
		WithContext(spanCtx)

	_ = tel.Events.PublishActionStarted(deviceID, key, action)

	spanCtx = context.WithValue(spanCtx, actionSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, actionTimerKey{}, NewTimer())

	return spanCtx
}

// EndActionContext completes the action context, recording metrics and events.
// A nil err records a synced key, anything else a failed one.
func EndActionContext(ctx context.Context, deviceID, key, action string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(actionSpanKey{}).(trace.Span); ok {
		endSpan(span, err)
	}

	var duration time.Duration
	if timer, ok := ctx.Value(actionTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	if err != nil {
		tel.Metrics.RecordAction(action, "failed", duration)
		_ = tel.Events.PublishKeyFailed(deviceID, key, action, err.Error())
		return
	}
	tel.Metrics.RecordAction(action, "synced", duration)
	_ = tel.Events.PublishKeySynced(deviceID, key, action, duration)
}

// CancelActionContext ends an action that was superseded before it finished.
// No key event is published; the key is planned again.
func CancelActionContext(ctx context.Context, action string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(actionSpanKey{}).(trace.Span); ok {
		span.AddEvent("action.cancelled")
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(actionTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}
	tel.Metrics.RecordAction(action, "cancelled", duration)
}

// WithRemoteContext creates a context whose logger carries the remote kind
// and address.
func WithRemoteContext(ctx context.Context, kind, address string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}
	return tel.Logger.WithRemote(kind, address).WithContext(ctx)
}

// RecordStoreOperation runs fn as a store operation with metrics and tracing.
func RecordStoreOperation(ctx context.Context, replica, kind, key string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartOperationSpan(ctx, replica, kind, key)
	timer := NewTimer()
	err := fn(ctx)
	endSpan(span, err)

	result := "success"
	if err != nil {
		result = "error"
	}
	tel.Metrics.RecordOperation(replica, kind, result, timer.Duration())
	return err
}
