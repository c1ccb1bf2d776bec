// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers rotation notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/rotation"
)

// MaxSubjectLength is the SNS limit on message subjects.
const MaxSubjectLength = 100

const (
	defaultMaxTries        = 4
	defaultInitialInterval = 200 * time.Millisecond
)

// PublishAPI is the subset of the SNS client used by SNSNotifier.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes notifications to an SNS topic.
type SNSNotifier struct {
	client          PublishAPI
	topicARN        string
	environment     string
	maxTries        uint
	initialInterval time.Duration
	logger          *slog.Logger
}

var _ rotation.Notifier = (*SNSNotifier)(nil)

// SNSOption configures an SNSNotifier.
type SNSOption func(*SNSNotifier)

// WithRetry sets the attempt budget and first backoff interval.
func WithRetry(maxTries uint, initialInterval time.Duration) SNSOption {
	return func(n *SNSNotifier) {
		if maxTries > 0 {
			n.maxTries = maxTries
		}
		if initialInterval > 0 {
			n.initialInterval = initialInterval
		}
	}
}

// NewSNSNotifier creates a notifier for topicARN. Subjects are prefixed with
// the upper-cased environment.
func NewSNSNotifier(client PublishAPI, topicARN, environment string, opts ...SNSOption) (*SNSNotifier, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if topicARN == "" {
		return nil, errors.New("sns topic ARN is required")
	}

	n := &SNSNotifier{
		client:          client,
		topicARN:        topicARN,
		environment:     environment,
		maxTries:        defaultMaxTries,
		initialInterval: defaultInitialInterval,
		logger:          logger.With("notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Send publishes the message, retrying throttling and server faults.
func (n *SNSNotifier) Send(ctx context.Context, subject, body string) error {
	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(FormatSubject(n.environment, subject)),
		Message:  aws.String(body),
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = n.initialInterval
	expBackoff.MaxInterval = 10 * n.initialInterval
	expBackoff.Reset()

	operation := func() (*sns.PublishOutput, error) {
		out, err := n.client.Publish(ctx, input)
		if err != nil {
			if isClientFault(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out, nil
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(n.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			n.logger.Debug("retrying sns publish", "error", err, "delay", d)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to publish notification %q: %w", subject, err)
	}

	n.logger.Info("notification sent", "subject", subject, "message_id", aws.ToString(out.MessageId))
	return nil
}

// isClientFault reports errors that retrying cannot fix, except throttling.
func isClientFault(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if strings.Contains(apiErr.ErrorCode(), "Throttl") {
		return false
	}
	return apiErr.ErrorFault() == smithy.FaultClient
}

// FormatSubject builds an SNS-safe subject: "[ENV] subject", printable ASCII
// only, at most MaxSubjectLength characters.
func FormatSubject(environment, subject string) string {
	s := subject
	if environment != "" {
		s = "[" + strings.ToUpper(environment) + "] " + subject
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r > unicode.MaxASCII || !unicode.IsPrint(r):
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Join(strings.Fields(b.String()), " ")
	if len(out) > MaxSubjectLength {
		out = strings.TrimSpace(out[:MaxSubjectLength])
	}
	return out
}
