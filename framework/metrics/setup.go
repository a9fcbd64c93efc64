package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	ExporterType  string
	ResourceAttrs map[string]string
}

// Setup результат настройки экспорта метрик
type Setup struct {
	Provider *metric.MeterProvider
	Registry *prometheus.Registry
}

// Handler возвращает HTTP обработчик для Prometheus scrape
func (s *Setup) Handler() http.Handler {
	if s == nil || s.Registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})
}

// Shutdown корректно завершает работу метрик
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil || s.Provider == nil {
		return nil
	}
	return s.Provider.Shutdown(ctx)
}

// SetupMetrics настраивает экспорт метрик и устанавливает глобальный MeterProvider
func SetupMetrics(config *MetricsConfig) (*Setup, error) {
	if config == nil {
		config = &MetricsConfig{ExporterType: "prometheus"}
	}

	var reader metric.Reader
	var registry *prometheus.Registry

	switch config.ExporterType {
	case "prometheus", "":
		registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exporter
	case "none":
		return &Setup{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	// Создаем resource attributes
	res, err := resource.New(context.Background(),
		resource.WithAttributes(buildResourceAttributes(config.ResourceAttrs)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(res),
	)

	otel.SetMeterProvider(provider)

	return &Setup{Provider: provider, Registry: registry}, nil
}

// buildResourceAttributes строит resource attributes
func buildResourceAttributes(attrs map[string]string) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, attribute.String(k, v))
	}
	return result
}
