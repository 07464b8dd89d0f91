package twophase

import (
	"context"
	"errors"
	"time"

	internaltelemetry "github.com/sushant-115/gojo2pc/internal/telemetry"
	"github.com/sushant-115/gojo2pc/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

func newInstruments(tel *telemetry.Telemetry) (trace.Tracer, *internaltelemetry.TwoPhaseMetrics, error) {
	var (
		tracer trace.Tracer = nooptrace.NewTracerProvider().Tracer("")
		meter  metric.Meter = noop.NewMeterProvider().Meter("")
	)
	if tel != nil {
		if tel.Tracer != nil {
			tracer = tel.Tracer
		}
		if tel.Meter != nil {
			meter = tel.Meter
		}
	}
	metrics, err := internaltelemetry.NewTwoPhaseMetrics(meter)
	if err != nil {
		return nil, nil, err
	}
	return tracer, metrics, nil
}

// StartMetricsAndTrace begins the telemetry recording for one operation.
func (m *Manager) StartMetricsAndTrace(ctx context.Context, op string, gid string) (context.Context, trace.Span, time.Time) {
	ctx, span := m.tracer.Start(ctx, "twophase."+op, trace.WithAttributes(
		attribute.String("twophase.op", op),
		attribute.String("twophase.gid", gid),
	))
	return ctx, span, time.Now()
}

// EndMetricsAndTrace completes the telemetry recording for one operation.
func (m *Manager) EndMetricsAndTrace(ctx context.Context, span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		m.metrics.ErrorsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("twophase.op", op),
			attribute.String("twophase.error", errorKind(err)),
		))
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()
}

func errorKind(err error) string {
	for _, k := range []struct {
		err  error
		name string
	}{
		{ErrDuplicateIdentifier, "duplicate"},
		{ErrExhausted, "exhausted"},
		{ErrNotFound, "not_found"},
		{ErrBusy, "busy"},
		{ErrPermissionDenied, "permission_denied"},
		{ErrCrossDatabase, "cross_database"},
		{ErrIdentifierTooLong, "identifier_too_long"},
		{ErrDataCorrupted, "data_corrupted"},
		{ErrRecordTooLarge, "record_too_large"},
		{ErrFatal, "fatal"},
	} {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "other"
}
