package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/takewright"

const (
	attrProduction = attribute.Key("takewright.production")
	attrBuild      = attribute.Key("takewright.build_id")
)

type scopeKey struct{}

// scope is the production and build a context works on.
type scope struct {
	production string
	build      string
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithProduction tags ctx with a production id. Spans started and loggers
// obtained from the returned context carry it.
func WithProduction(ctx context.Context, production string) context.Context {
	s := scopeFrom(ctx)
	s.production = production
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithBuild tags ctx with a build id.
func WithBuild(ctx context.Context, buildID string) context.Context {
	s := scopeFrom(ctx)
	s.build = buildID
	return context.WithValue(ctx, scopeKey{}, s)
}

// Tracer returns the takewright tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span tagged with the production and build of ctx. The
// caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if s := scopeFrom(ctx); s != (scope{}) {
		var attrs []attribute.KeyValue
		if s.production != "" {
			attrs = append(attrs, attrProduction.String(s.production))
		}
		if s.build != "" {
			attrs = append(attrs, attrBuild.String(s.build))
		}
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with the trace, production and build of
// ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()), slog.String("span_id", sc.SpanID().String()))
	}
	s := scopeFrom(ctx)
	if s.production != "" {
		attrs = append(attrs, slog.String("production", s.production))
	}
	if s.build != "" {
		attrs = append(attrs, slog.String("build_id", s.build))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
