// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package providers builds the OpenTelemetry tracer and meter providers
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/telemetry/providers/otlp"
	"github.com/stacklok/m2mgate/pkg/telemetry/providers/prometheus"
)

// Config holds the telemetry configuration for all providers.
type Config struct {
	ServiceName    string
	ServiceVersion string

	OTLPEndpoint   string
	Headers        map[string]string
	Insecure       bool
	TracingEnabled bool
	MetricsEnabled bool
	SamplingRate   float64

	EnablePrometheusMetricsPath bool
}

// ProviderOption is an option type used to configure the telemetry providers
type ProviderOption func(*Config) error

// WithServiceName sets the service name
func WithServiceName(serviceName string) ProviderOption {
	return func(config *Config) error {
		if serviceName == "" {
			return errors.New("service name cannot be empty")
		}
		config.ServiceName = serviceName
		return nil
	}
}

// WithServiceVersion sets the service version
func WithServiceVersion(serviceVersion string) ProviderOption {
	return func(config *Config) error {
		config.ServiceVersion = serviceVersion
		return nil
	}
}

// WithOTLPEndpoint sets the OTLP endpoint
func WithOTLPEndpoint(endpoint string) ProviderOption {
	return func(config *Config) error {
		config.OTLPEndpoint = endpoint
		return nil
	}
}

// WithHeaders sets the headers
func WithHeaders(headers map[string]string) ProviderOption {
	return func(config *Config) error {
		config.Headers = headers
		return nil
	}
}

// WithInsecure sets the insecure flag
func WithInsecure(insecure bool) ProviderOption {
	return func(config *Config) error {
		config.Insecure = insecure
		return nil
	}
}

// WithTracingEnabled sets the tracing enabled flag
func WithTracingEnabled(tracingEnabled bool) ProviderOption {
	return func(config *Config) error {
		config.TracingEnabled = tracingEnabled
		return nil
	}
}

// WithMetricsEnabled sets the metrics enabled flag
func WithMetricsEnabled(metricsEnabled bool) ProviderOption {
	return func(config *Config) error {
		config.MetricsEnabled = metricsEnabled
		return nil
	}
}

// WithSamplingRate sets the sampling rate
func WithSamplingRate(samplingRate float64) ProviderOption {
	return func(config *Config) error {
		config.SamplingRate = samplingRate
		return nil
	}
}

// WithEnablePrometheusMetricsPath sets the enable prometheus metrics path flag
func WithEnablePrometheusMetricsPath(enable bool) ProviderOption {
	return func(config *Config) error {
		config.EnablePrometheusMetricsPath = enable
		return nil
	}
}

func (c Config) otlpMetrics() bool { return c.OTLPEndpoint != "" && c.MetricsEnabled }
func (c Config) otlpTracing() bool { return c.OTLPEndpoint != "" && c.TracingEnabled }

func (c Config) otlpConfig() otlp.Config {
	return otlp.Config{
		Endpoint:     c.OTLPEndpoint,
		Headers:      c.Headers,
		Insecure:     c.Insecure,
		SamplingRate: c.SamplingRate,
	}
}

// CompositeProvider combines the tracer provider, meter provider and
// Prometheus handler with their cleanup functions.
type CompositeProvider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewCompositeProvider creates the providers selected by options.
func NewCompositeProvider(ctx context.Context, options ...ProviderOption) (*CompositeProvider, error) {
	config := Config{}
	for _, option := range options {
		if err := option(&config); err != nil {
			return nil, err
		}
	}

	if !config.otlpMetrics() && !config.otlpTracing() && !config.EnablePrometheusMetricsPath {
		logger.Infof("No telemetry configured, using no-op providers")
		return &CompositeProvider{
			tracerProvider: tracenoop.NewTracerProvider(),
			meterProvider:  noop.NewMeterProvider(),
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			config.ServiceName, config.ServiceVersion, err)
	}

	composite := &CompositeProvider{}
	if err := composite.buildMeterProvider(ctx, config, res); err != nil {
		return nil, err
	}
	if err := composite.buildTracerProvider(ctx, config, res); err != nil {
		_ = composite.Shutdown(ctx)
		return nil, err
	}

	logger.Infow("telemetry providers created",
		"otlp_endpoint", config.OTLPEndpoint,
		"otlp_metrics", config.otlpMetrics(),
		"otlp_tracing", config.otlpTracing(),
		"prometheus", config.EnablePrometheusMetricsPath,
	)
	return composite, nil
}

func (p *CompositeProvider) buildMeterProvider(ctx context.Context, config Config, res *resource.Resource) error {
	var readers []sdkmetric.Reader

	if config.EnablePrometheusMetricsPath {
		reader, handler, err := prometheus.NewReader(prometheus.Config{
			EnableMetricsPath:     true,
			IncludeRuntimeMetrics: true,
		})
		if err != nil {
			return fmt.Errorf("failed to create prometheus reader: %w", err)
		}
		readers = append(readers, reader)
		p.prometheusHandler = handler
	}

	if config.otlpMetrics() {
		reader, err := otlp.NewMetricReader(ctx, config.otlpConfig())
		if err != nil {
			return fmt.Errorf("failed to create meter provider with endpoint %s: %w", config.OTLPEndpoint, err)
		}
		readers = append(readers, reader)
	}

	if len(readers) == 0 {
		p.meterProvider = noop.NewMeterProvider()
		return nil
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	p.meterProvider = mp
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	return nil
}

func (p *CompositeProvider) buildTracerProvider(ctx context.Context, config Config, res *resource.Resource) error {
	if !config.otlpTracing() {
		p.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	}

	tp, shutdown, err := otlp.NewTracerProviderWithShutdown(ctx, config.otlpConfig(), res)
	if err != nil {
		return fmt.Errorf("failed to create tracer provider with endpoint %s: %w", config.OTLPEndpoint, err)
	}
	p.tracerProvider = tp
	if shutdown != nil {
		p.shutdownFuncs = append(p.shutdownFuncs, shutdown)
	}
	return nil
}

// TracerProvider returns the tracer provider
func (p *CompositeProvider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider
func (p *CompositeProvider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the Prometheus metrics handler if configured
func (p *CompositeProvider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown gracefully shuts down all providers
func (p *CompositeProvider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
