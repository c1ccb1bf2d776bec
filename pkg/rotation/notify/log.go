// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/rotation"
)

// LogNotifier records notification subjects in the log. Bodies may carry
// secrets and are never logged.
type LogNotifier struct {
	logger *slog.Logger
}

var _ rotation.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a LogNotifier on the process logger.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.With("notify")}
}

// Send logs the subject.
func (n *LogNotifier) Send(_ context.Context, subject, body string) error {
	n.logger.Info("notification", "subject", subject, "body_bytes", len(body))
	return nil
}

// WriterNotifier prints full notifications to a writer, typically stdout
// of an operator's terminal.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

var _ rotation.Notifier = (*WriterNotifier)(nil)

// NewWriterNotifier creates a WriterNotifier.
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

// Send writes subject and body separated by a blank line.
func (n *WriterNotifier) Send(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := fmt.Fprintf(n.w, "== %s ==\n\n%s\n\n", subject, body); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}
