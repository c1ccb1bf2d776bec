// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz turns bearer tokens into gateway authorization decisions.
//
// The Engine never returns an error: every failure, including panics in
// collaborators, becomes a Deny scoped to the exact requested resource.
// Failure reasons are logged and counted but not exposed to the caller.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/m2mgate/pkg/auth"
	"github.com/stacklok/m2mgate/pkg/logger"
)

const instrumentationName = "github.com/stacklok/m2mgate/pkg/authz"

// DefaultTimeout bounds a whole Authorize call.
const DefaultTimeout = 5 * time.Second

// Reasons recorded for outcomes that are not token rejections.
const (
	reasonAllowed        = "allowed"
	reasonMissingToken   = "missing_token"
	reasonInvalidRequest = "invalid_request"
	reasonPolicyDenied   = "policy_denied"
	reasonInternalError  = "internal_error"
)

// TokenValidator verifies a raw token for a provider. *auth.Validator implements it.
type TokenValidator interface {
	Validate(ctx context.Context, rawToken string, cfg auth.ProviderConfig) (*auth.TokenClaims, error)
}

// Engine orchestrates token validation and decision building.
type Engine struct {
	validator TokenValidator
	builder   *PolicyBuilder
	gate      PolicyGate
	timeout   time.Duration
	logger    *slog.Logger

	tracer    trace.Tracer
	decisions metric.Int64Counter
	duration  metric.Float64Histogram
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithPolicyGate adds a check that can veto Allow decisions.
func WithPolicyGate(gate PolicyGate) EngineOption {
	return func(e *Engine) {
		e.gate = gate
	}
}

// WithMeterProvider sets the meter provider for decision metrics.
func WithMeterProvider(mp metric.MeterProvider) EngineOption {
	return func(e *Engine) {
		meter := mp.Meter(instrumentationName)
		e.decisions, _ = meter.Int64Counter(
			"m2mgate_authorization_decisions",
			metric.WithDescription("Authorization decisions by effect and reason"),
		)
		e.duration, _ = meter.Float64Histogram(
			"m2mgate_authorization_duration",
			metric.WithDescription("Duration of authorization decisions in seconds"),
			metric.WithUnit("s"),
		)
	}
}

// WithTracerProvider sets the tracer provider for decision spans.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = tp.Tracer(instrumentationName)
	}
}

// NewEngine creates an Engine.
func NewEngine(validator TokenValidator, builder *PolicyBuilder, opts ...EngineOption) *Engine {
	e := &Engine{
		validator: validator,
		builder:   builder,
		timeout:   DefaultTimeout,
		logger:    logger.With("authz"),
	}
	WithMeterProvider(otel.GetMeterProvider())(e)
	WithTracerProvider(otel.GetTracerProvider())(e)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize decides whether the bearer credential may invoke req. It accepts
// either a raw token or an Authorization header value.
func (e *Engine) Authorize(
	ctx context.Context,
	authHeaderOrToken string,
	req RequestContext,
	cfg auth.ProviderConfig,
) (decision Decision) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "authz.Authorize",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("m2mgate.provider", string(cfg.Type))),
	)
	reason := reasonInternalError

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("authorization panicked", "panic", r)
			span.RecordError(fmt.Errorf("panic: %v", r))
			decision = Deny(req)
			reason = reasonInternalError
		}
		e.finish(ctx, span, start, decision, reason, string(cfg.Type))
	}()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	decision, reason = e.decide(callCtx, authHeaderOrToken, req, cfg)
	return decision
}

func (e *Engine) decide(
	ctx context.Context,
	authHeaderOrToken string,
	req RequestContext,
	cfg auth.ProviderConfig,
) (Decision, string) {
	token := auth.StripBearer(authHeaderOrToken)
	if token == "" {
		return Deny(req), reasonMissingToken
	}

	method, err := ParseMethodARN(req.MethodARN)
	if err != nil {
		e.logger.Warn("authorization denied", "reason", reasonInvalidRequest, "error", err)
		return Deny(req), reasonInvalidRequest
	}

	claims, err := e.validator.Validate(ctx, token, cfg)
	if err != nil {
		reason := string(auth.ReasonOf(err))
		if reason == "" {
			reason = reasonInternalError
		}
		e.logger.Warn("authorization denied", "reason", reason, "error", err)
		return Deny(req), reason
	}

	provider, err := auth.ProviderFor(cfg.Type)
	if err != nil {
		return Deny(req), reasonInternalError
	}

	decision, err := e.builder.Build(claims, provider.Name(), req)
	if err != nil {
		e.logger.Warn("authorization denied", "reason", reasonInvalidRequest, "error", err)
		return Deny(req), reasonInvalidRequest
	}

	if e.gate != nil {
		ok, err := e.gate.Permit(claims, provider.Name(), method)
		if err != nil {
			e.logger.Error("policy gate failed", "error", err, "subject", claims.Subject)
			return Deny(req), reasonInternalError
		}
		if !ok {
			e.logger.Info("authorization denied", "reason", reasonPolicyDenied, "subject", claims.Subject)
			return Deny(req), reasonPolicyDenied
		}
	}

	e.logger.Debug("authorization allowed", "subject", claims.Subject, "scope", decision.ResourceScope)
	return decision, reasonAllowed
}

func (e *Engine) finish(ctx context.Context, span trace.Span, start time.Time, d Decision, reason, provider string) {
	attrs := metric.WithAttributes(
		attribute.String("effect", string(d.Effect)),
		attribute.String("reason", reason),
		attribute.String("provider", provider),
	)
	if e.decisions != nil {
		e.decisions.Add(ctx, 1, attrs)
	}
	if e.duration != nil {
		e.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}

	span.SetAttributes(
		attribute.String("m2mgate.effect", string(d.Effect)),
		attribute.String("m2mgate.reason", reason),
	)
	if reason == reasonInternalError {
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}
