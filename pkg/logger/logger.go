// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide structured logger for m2mgate.
//
// It is a thin shim over toolhive-core/logging. Components that want an
// injected logger can call [Get]; everything else uses the package helpers.
package logger

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// lambdaFunctionEnv is set by the Lambda runtime for every function invocation.
const lambdaFunctionEnv = "AWS_LAMBDA_FUNCTION_NAME"

// singleton is the package-level logger created by Initialize.
var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

func get() *slog.Logger {
	return singleton.Load()
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return get()
}

// Set replaces the singleton logger. Intended for tests that capture output.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// With returns a child logger carrying the given component name.
func With(component string) *slog.Logger {
	return get().With("component", component)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debug(msg, keysAndValues...)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warn(msg, keysAndValues...)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
}

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
}

// Initialize creates and configures the process logger from the OS environment.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv configures the process logger using the given environment reader.
//
// Text output is the default for interactive use. Inside Lambda the default
// flips to JSON so CloudWatch Logs Insights can query fields. UNSTRUCTURED_LOGS
// overrides either default.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option

	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}

	if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	singleton.Store(logging.New(opts...))
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// unset or unparsable
		return envReader.Getenv(lambdaFunctionEnv) == ""
	}
	return unstructuredLogs
}
