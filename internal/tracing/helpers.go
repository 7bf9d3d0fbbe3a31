package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scopes.
const (
	scopePipeline = "github.com/onnwee/guardrail"
	scopeStore    = "github.com/onnwee/guardrail/store"
)

// DBOperation is the db.operation of a store span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
)

// EndFunc ends a span, marking it failed when err is non-nil.
type EndFunc func(err error)

// StartDBSpan opens a client span for one ledger or run-store statement,
// named "<operation> <table>". system is the SQL dialect.
//
//	ctx, end := tracing.StartDBSpan(ctx, "postgres", "audit_ledger", tracing.DBOperationInsert)
//	defer func() { end(err) }()
func StartDBSpan(ctx context.Context, system, table string, op DBOperation) (context.Context, EndFunc) {
	name := string(op)
	attrs := []attribute.KeyValue{
		semconv.DBSystemKey.String(system),
		semconv.DBOperation(string(op)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, semconv.DBSQLTable(table))
	}
	ctx, span := otel.Tracer(scopeStore).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

// StartSpan opens an internal span for a pipeline stage or ledger step.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, EndFunc) {
	ctx, span := otel.Tracer(scopePipeline).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

func ender(span trace.Span) EndFunc {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent records an event on the span in ctx, if any.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
