package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger is a zerolog logger carrying device, key and remote fields.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds a Logger from cfg. An Output other than stdout or stderr
// is opened as a file in append mode.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := logOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	timeFormat := time.RFC3339
	switch cfg.TimeFormat {
	case "unix":
		timeFormat = zerolog.TimeFormatUnix
	case "unixms":
		timeFormat = zerolog.TimeFormatUnixMs
	case "unixmicro":
		timeFormat = zerolog.TimeFormatUnixMicro
	}
	zerolog.TimeFieldFormat = timeFormat

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(out).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger().Level(parseLogLevel(cfg.Level))

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog}, nil
}

func logOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("component", component)
	})
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a plain stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithDeviceID tags records with the device they belong to.
func (l *Logger) WithDeviceID(deviceID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("device_id", deviceID)
	})
}

// WithKey tags records with an object key.
func (l *Logger) WithKey(typeName, id string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("key_type", typeName).Str("key_id", id)
	})
}

// WithAction tags records with the reconciliation action in progress.
func (l *Logger) WithAction(action string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("action", action)
	})
}

// WithRemote tags records with the remote connector kind and address.
func (l *Logger) WithRemote(kind, address string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("remote_kind", kind).Str("remote_address", address)
	})
}

// WithSpan tags records with the trace and span IDs of span, if it is
// recording.
func (l *Logger) WithSpan(span trace.Span) *Logger {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return l
	}
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	})
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// Zerolog returns the underlying zerolog logger for packages that take one
// directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }

// Error logs msg with err attached.
func (l *Logger) Error(err error, msg string) { l.zlog.Error().Err(err).Msg(msg) }

func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
