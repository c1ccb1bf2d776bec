// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MB).
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize is the maximum size of error body preview in HTTPError.
	DefaultErrorPreviewSize = 1024

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"

	// ContentTypeJWKSet is the media type some identity providers use for JWKS documents.
	ContentTypeJWKSet = "application/jwk-set+json"
)

// FetchResult contains the result of a successful JSON fetch operation.
type FetchResult[T any] struct {
	// Data is the parsed JSON response body.
	Data T

	// StatusCode is the HTTP status code of the response.
	StatusCode int

	// Headers are the response headers.
	Headers http.Header

	// ContentType is the Content-Type header value.
	ContentType string
}

// HTTPError represents an HTTP error response with status code and body preview.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Body is a preview of the response body (limited to DefaultErrorPreviewSize).
	Body string

	// URL is the requested URL.
	URL string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if statusCode == 0 {
		return true
	}
	return httpErr.StatusCode == statusCode
}

// FetchOption configures a fetch request.
type FetchOption func(*fetchOptions)

// fetchOptions holds the configuration for a fetch request.
type fetchOptions struct {
	maxResponseSize           int64
	skipContentTypeValidation bool
}

// newFetchOptions creates default fetch options.
func newFetchOptions() *fetchOptions {
	return &fetchOptions{
		maxResponseSize: DefaultMaxResponseSize,
	}
}

// WithoutContentTypeValidation disables Content-Type validation.
// By default, FetchJSON validates that the response Content-Type is application/json.
func WithoutContentTypeValidation() FetchOption {
	return func(opts *fetchOptions) {
		opts.skipContentTypeValidation = true
	}
}

// FetchJSON performs a GET request and parses the JSON response body.
// Non-200 responses are returned as an HTTPError.
func FetchJSON[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	opts ...FetchOption,
) (*FetchResult[T], error) {
	options := newFetchOptions()
	for _, opt := range opts {
		opt(options)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", ContentTypeJSON)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read body with size limit
	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyPreview := string(body)
		if len(bodyPreview) > DefaultErrorPreviewSize {
			bodyPreview = bodyPreview[:DefaultErrorPreviewSize]
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       bodyPreview,
			URL:        requestURL,
		}
	}

	if !options.skipContentTypeValidation && !isJSONContentType(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("unexpected content type: %s", resp.Header.Get("Content-Type"))
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return &FetchResult[T]{
		Data:        data,
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func isJSONContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, ContentTypeJSON) || strings.Contains(ct, "+json")
}
