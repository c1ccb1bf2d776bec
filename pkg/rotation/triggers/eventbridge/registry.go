// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package eventbridge registers rotation triggers as one-shot EventBridge
// scheduled rules targeting the rotation function.
package eventbridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/rotation"
)

const (
	// TargetID is the id of the single target on every rotation rule.
	TargetID = "1"

	// maxRuleNameLength is the EventBridge limit on rule names.
	maxRuleNameLength = 64
)

// API is the subset of the EventBridge client used by Registry.
type API interface {
	PutRule(ctx context.Context, params *eventbridge.PutRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error)
	PutTargets(ctx context.Context, params *eventbridge.PutTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error)
	RemoveTargets(ctx context.Context, params *eventbridge.RemoveTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error)
	DeleteRule(ctx context.Context, params *eventbridge.DeleteRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DeleteRuleOutput, error)
	DescribeRule(ctx context.Context, params *eventbridge.DescribeRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error)
}

// CallerIdentityAPI resolves the account the rotation function runs in.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Config selects rule names and the rule target.
type Config struct {
	Environment string `yaml:"environment"`
	Region      string `yaml:"region"`
	// TargetARN is used as-is when set.
	TargetARN string `yaml:"target_arn"`
	// FunctionName defaults to "<environment>-secret-rotation".
	FunctionName string `yaml:"function_name"`
}

// Registry implements rotation.TriggerRegistry on EventBridge.
type Registry struct {
	client   API
	identity CallerIdentityAPI
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	targetARN string
}

var _ rotation.TriggerRegistry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithCallerIdentity sets the STS client used to build the default target ARN.
func WithCallerIdentity(identity CallerIdentityAPI) Option {
	return func(r *Registry) {
		r.identity = identity
	}
}

// New creates a Registry.
func New(client API, cfg Config, opts ...Option) (*Registry, error) {
	if client == nil {
		return nil, errors.New("eventbridge client is required")
	}
	if cfg.Environment == "" {
		return nil, errors.New("environment is required")
	}
	if cfg.FunctionName == "" {
		cfg.FunctionName = cfg.Environment + "-secret-rotation"
	}

	r := &Registry{
		client:    client,
		cfg:       cfg,
		logger:    logger.With("eventbridge"),
		targetARN: cfg.TargetARN,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.targetARN == "" && r.identity == nil {
		return nil, errors.New("target ARN or caller identity client is required")
	}
	return r, nil
}

// RegisterAt creates or replaces the rule for payload's action and client.
// Rule names are deterministic, so registering again is an upsert.
func (r *Registry) RegisterAt(ctx context.Context, at time.Time, payload rotation.TriggerEvent) (string, error) {
	name, err := RuleName(r.cfg.Environment, payload.Action, payload.ClientID)
	if err != nil {
		return "", err
	}
	target, err := r.target(ctx)
	if err != nil {
		return "", err
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trigger payload: %w", err)
	}

	_, err = r.client.PutRule(ctx, &eventbridge.PutRuleInput{
		Name:               aws.String(name),
		ScheduleExpression: aws.String(CronExpression(at)),
		State:              types.RuleStateEnabled,
		Description:        aws.String(describe(payload)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put rule %s: %w", name, err)
	}

	out, err := r.client.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule: aws.String(name),
		Targets: []types.Target{{
			Id:    aws.String(TargetID),
			Arn:   aws.String(target),
			Input: aws.String(string(input)),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to put target on rule %s: %w", name, err)
	}
	if out.FailedEntryCount > 0 {
		msg := "unknown error"
		if len(out.FailedEntries) > 0 {
			msg = aws.ToString(out.FailedEntries[0].ErrorMessage)
		}
		return "", fmt.Errorf("failed to put target on rule %s: %s", name, msg)
	}

	r.logger.Debug("registered trigger", "rule", name, "at", at, "action", payload.Action)
	return name, nil
}

// Cancel removes the rule's target and then the rule. Missing rules are not an error.
func (r *Registry) Cancel(ctx context.Context, ruleName string) error {
	_, err := r.client.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
		Rule: aws.String(ruleName),
		Ids:  []string{TargetID},
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to remove targets from rule %s: %w", ruleName, err)
	}

	_, err = r.client.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: aws.String(ruleName)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete rule %s: %w", ruleName, err)
	}
	return nil
}

// Lookup reads the rule for action and client and returns its firing time.
func (r *Registry) Lookup(ctx context.Context, action rotation.Action, clientID string) (*rotation.Trigger, error) {
	name, err := RuleName(r.cfg.Environment, action, clientID)
	if err != nil {
		return nil, err
	}

	out, err := r.client.DescribeRule(ctx, &eventbridge.DescribeRuleInput{Name: aws.String(name)})
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", rotation.ErrTriggerNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to describe rule %s: %w", name, err)
	}

	at, err := ParseCronExpression(aws.ToString(out.ScheduleExpression))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	return &rotation.Trigger{ID: name, At: at}, nil
}

func (r *Registry) target(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.targetARN != "" {
		return r.targetARN, nil
	}

	out, err := r.identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to resolve account id: %w", err)
	}
	caller, err := arn.Parse(aws.ToString(out.Arn))
	if err != nil {
		return "", fmt.Errorf("failed to parse caller ARN: %w", err)
	}
	account := aws.ToString(out.Account)
	if account == "" {
		account = caller.AccountID
	}

	r.targetARN = arn.ARN{
		Partition: caller.Partition,
		Service:   "lambda",
		Region:    r.cfg.Region,
		AccountID: account,
		Resource:  "function:" + r.cfg.FunctionName,
	}.String()
	return r.targetARN, nil
}

// RuleName returns the rule name for an action and client.
func RuleName(environment string, action rotation.Action, clientID string) (string, error) {
	var kind string
	switch action {
	case rotation.ActionSendWarning:
		kind = "rotate-warning"
	case rotation.ActionRotate:
		kind = "rotate"
	default:
		return "", fmt.Errorf("no trigger rule for action %q", action)
	}
	if clientID == "" {
		return "", errors.New("client id is required")
	}

	// Rewritten or truncated names carry a hash of the raw name so distinct
	// client ids never share a rule.
	raw := environment + "-" + kind + "-" + clientID
	name := sanitize(raw)
	if name != raw || len(name) > maxRuleNameLength {
		sum := sha256.Sum256([]byte(raw))
		suffix := hex.EncodeToString(sum[:4])
		if limit := maxRuleNameLength - len(suffix) - 1; len(name) > limit {
			name = name[:limit]
		}
		name += "-" + suffix
	}
	return name, nil
}

// sanitize keeps the characters EventBridge allows in rule names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

// CronExpression is a one-shot schedule expression for t in UTC.
func CronExpression(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("cron(%d %d %d %d ? %d)", t.Minute(), t.Hour(), t.Day(), int(t.Month()), t.Year())
}

// ParseCronExpression reverses CronExpression.
func ParseCronExpression(expr string) (time.Time, error) {
	var minute, hour, day, month, year int
	n, err := fmt.Sscanf(expr, "cron(%d %d %d %d ? %d)", &minute, &hour, &day, &month, &year)
	if err != nil || n != 5 {
		return time.Time{}, fmt.Errorf("not a one-shot schedule expression: %q", expr)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	if CronExpression(t) != expr {
		return time.Time{}, fmt.Errorf("schedule expression out of range: %q", expr)
	}
	return t, nil
}

func describe(p rotation.TriggerEvent) string {
	if p.Action == rotation.ActionSendWarning {
		return "Send rotation warning for " + p.ClientID
	}
	return "Rotate credentials for " + p.ClientID
}

func isNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}
