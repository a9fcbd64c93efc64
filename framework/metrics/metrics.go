// Package metrics предоставляет систему метрик на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName имя инструментирующей библиотеки
const MeterName = "ledgersaga"

// Metrics сборщик метрик движка саг, шлюза рисков и слоя вызовов.
// Все методы безопасны для nil получателя.
type Metrics struct {
	meter            metric.Meter
	sagaTransitions  metric.Int64Counter
	stepsTotal       metric.Int64Counter
	stepDuration     metric.Float64Histogram
	retriesTotal     metric.Int64Counter
	riskAssessments  metric.Int64Counter
	compensations    metric.Int64Counter
	pendingApprovals metric.Int64UpDownCounter
	sweepsTotal      metric.Int64Counter
	policyReloads    metric.Int64Counter
	eventsTotal      metric.Int64Counter
}

// NewMetrics создает сборщик на глобальном MeterProvider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(MeterName))
}

// NewMetricsWithMeter создает сборщик на переданном meter
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.sagaTransitions, err = meter.Int64Counter(
		"saga_transitions_total",
		metric.WithDescription("Saga status transitions by target status"),
	); err != nil {
		return nil, err
	}

	if m.stepsTotal, err = meter.Int64Counter(
		"saga_steps_total",
		metric.WithDescription("Saga steps processed by action type and outcome"),
	); err != nil {
		return nil, err
	}

	if m.stepDuration, err = meter.Float64Histogram(
		"saga_step_duration_seconds",
		metric.WithDescription("Target system call duration including retries"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.retriesTotal, err = meter.Int64Counter(
		"invoke_retries_total",
		metric.WithDescription("Retries scheduled by the invocation layer"),
	); err != nil {
		return nil, err
	}

	if m.riskAssessments, err = meter.Int64Counter(
		"risk_assessments_total",
		metric.WithDescription("Risk assessments by level"),
	); err != nil {
		return nil, err
	}

	if m.compensations, err = meter.Int64Counter(
		"saga_compensations_total",
		metric.WithDescription("Compensation calls by outcome"),
	); err != nil {
		return nil, err
	}

	if m.pendingApprovals, err = meter.Int64UpDownCounter(
		"saga_pending_approvals",
		metric.WithDescription("Steps currently suspended awaiting approval"),
	); err != nil {
		return nil, err
	}

	if m.sweepsTotal, err = meter.Int64Counter(
		"saga_sweeps_total",
		metric.WithDescription("Sagas processed by the compensation sweeper by outcome"),
	); err != nil {
		return nil, err
	}

	if m.policyReloads, err = meter.Int64Counter(
		"risk_policy_reloads_total",
		metric.WithDescription("Risk policy reload attempts by outcome"),
	); err != nil {
		return nil, err
	}

	if m.eventsTotal, err = meter.Int64Counter(
		"events_total",
		metric.WithDescription("Total number of events published"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSagaTransition записывает переход саги в статус
func (m *Metrics) RecordSagaTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.sagaTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStep записывает результат шага и длительность вызова целевой системы
func (m *Metrics) RecordStep(ctx context.Context, actionType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", actionType),
		attribute.String("outcome", outcome),
	)
	m.stepsTotal.Add(ctx, 1, attrs)
	if duration > 0 {
		m.stepDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordRetry записывает запланированный повтор
func (m *Metrics) RecordRetry(ctx context.Context, profile string) {
	if m == nil {
		return
	}
	m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
}

// RecordRiskAssessment записывает оценку риска
func (m *Metrics) RecordRiskAssessment(ctx context.Context, level string, requiresApproval bool) {
	if m == nil {
		return
	}
	m.riskAssessments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
		attribute.Bool("requires_approval", requiresApproval),
	))
}

// RecordCompensation записывает результат компенсирующего вызова
func (m *Metrics) RecordCompensation(ctx context.Context, actionType, outcome string) {
	if m == nil {
		return
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", actionType),
		attribute.String("outcome", outcome),
	))
}

// AddPendingApprovals изменяет число шагов, ожидающих решения
func (m *Metrics) AddPendingApprovals(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.pendingApprovals.Add(ctx, delta)
}

// RecordSweep записывает итог обработки саги сборщиком компенсаций
func (m *Metrics) RecordSweep(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sweepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPolicyReload записывает попытку перезагрузки политики
func (m *Metrics) RecordPolicyReload(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.policyReloads.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordEvent записывает метрику события
func (m *Metrics) RecordEvent(ctx context.Context, eventType string, success bool) {
	if m == nil {
		return
	}
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventType),
		attribute.Bool("success", success),
	))
}
