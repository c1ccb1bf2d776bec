// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/m2mgate/pkg/telemetry/providers"
	"github.com/stacklok/m2mgate/pkg/versions"
)

// DefaultServiceName is reported as service.name when none is configured.
const DefaultServiceName = "m2mgate"

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// Endpoint is the OTLP HTTP endpoint, e.g. "otel-collector:4318".
	Endpoint string `yaml:"endpoint"`

	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// TracingEnabled and MetricsEnabled only apply when Endpoint is set.
	TracingEnabled bool    `yaml:"tracing_enabled"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	SamplingRate   float64 `yaml:"sampling_rate"`

	Headers  map[string]string `yaml:"headers"`
	Insecure bool              `yaml:"insecure"`

	// EnablePrometheusMetricsPath exposes /metrics on the API server.
	EnablePrometheusMetricsPath bool `yaml:"enable_prometheus_metrics_path"`
}

// DefaultConfig returns the telemetry configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 DefaultServiceName,
		ServiceVersion:              versions.GetVersionInfo().Version,
		TracingEnabled:              true,
		MetricsEnabled:              true,
		SamplingRate:                0.05,
		EnablePrometheusMetricsPath: true,
	}
}

// Validate rejects configurations that could never export anything useful.
func (c Config) Validate() error {
	if c.Endpoint != "" && !c.TracingEnabled && !c.MetricsEnabled {
		return errors.New("OTLP endpoint is configured but both tracing and metrics are disabled; " +
			"either enable tracing or metrics, or remove the endpoint")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %v must be between 0 and 1", c.SamplingRate)
	}
	return nil
}

// Provider encapsulates the OpenTelemetry providers built from a Config.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdown          func(context.Context) error
}

// NewProvider builds the providers and installs them as the otel globals.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}

	composite, err := providers.NewCompositeProvider(ctx,
		providers.WithServiceName(config.ServiceName),
		providers.WithServiceVersion(config.ServiceVersion),
		providers.WithOTLPEndpoint(config.Endpoint),
		providers.WithHeaders(config.Headers),
		providers.WithInsecure(config.Insecure),
		providers.WithTracingEnabled(config.TracingEnabled),
		providers.WithMetricsEnabled(config.MetricsEnabled),
		providers.WithSamplingRate(config.SamplingRate),
		providers.WithEnablePrometheusMetricsPath(config.EnablePrometheusMetricsPath),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry providers: %w", err)
	}

	otel.SetTracerProvider(composite.TracerProvider())
	otel.SetMeterProvider(composite.MeterProvider())
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tracerProvider:    composite.TracerProvider(),
		meterProvider:     composite.MeterProvider(),
		prometheusHandler: composite.PrometheusHandler(),
		shutdown:          composite.Shutdown,
	}, nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown != nil {
		return p.shutdown(ctx)
	}
	return nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}
