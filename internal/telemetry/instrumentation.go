package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metric series, so keep them bounded: operation names,
// components, statuses and outcomes. Resource ids, URLs and cache paths belong
// in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(ctx, operation, status, time.Since(start))

	return err
}

// FetchFunc performs a fetch and reports its outcome label.
type FetchFunc func(ctx context.Context) (string, error)

// InstrumentFetch wraps a whole fetch: span, active gauge, outcome counter and duration.
func (t *Telemetry) InstrumentFetch(ctx context.Context, fn FetchFunc) error {
	if t == nil {
		_, err := fn(ctx)

		return err
	}

	start := time.Now()

	t.fetchesActive.Add(ctx, 1)
	defer t.fetchesActive.Add(ctx, -1)

	var outcome string

	err := t.InstrumentOperation(ctx, "fetch", "downloader", func(ctx context.Context) error {
		var err error

		outcome, err = fn(ctx)

		return err
	})

	t.RecordFetch(ctx, outcome, time.Since(start))

	return err
}
