package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TwoPhaseMetrics holds all the metric instruments for prepared-transaction bookkeeping.
type TwoPhaseMetrics struct {
	PreparedCounter         metric.Int64Counter
	FinishedCounter         metric.Int64Counter
	RecoveredCounter        metric.Int64Counter
	ErrorsCounter           metric.Int64Counter
	FinishLatencyHistogram  metric.Int64Histogram
	ActivePreparedUpDownCtr metric.Int64UpDownCounter
}

// NewTwoPhaseMetrics creates and registers all the metrics for the two-phase commit manager.
func NewTwoPhaseMetrics(meter metric.Meter) (*TwoPhaseMetrics, error) {
	preparedCounter, err := meter.Int64Counter(
		"gojo2pc.twophase.prepared_total",
		metric.WithDescription("Total number of transactions prepared."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	finishedCounter, err := meter.Int64Counter(
		"gojo2pc.twophase.finished_total",
		metric.WithDescription("Total number of prepared transactions committed or rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recoveredCounter, err := meter.Int64Counter(
		"gojo2pc.twophase.recovered_total",
		metric.WithDescription("Total number of prepared transactions restored at startup."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	errorsCounter, err := meter.Int64Counter(
		"gojo2pc.twophase.errors_total",
		metric.WithDescription("Total number of failed two-phase operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	finishLatency, err := meter.Int64Histogram(
		"gojo2pc.twophase.finish.duration",
		metric.WithDescription("The latency of COMMIT PREPARED and ROLLBACK PREPARED."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojo2pc.twophase.active_prepared",
		metric.WithDescription("Number of valid prepared transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TwoPhaseMetrics{
		PreparedCounter:         preparedCounter,
		FinishedCounter:         finishedCounter,
		RecoveredCounter:        recoveredCounter,
		ErrorsCounter:           errorsCounter,
		FinishLatencyHistogram:  finishLatency,
		ActivePreparedUpDownCtr: active,
	}, nil
}
