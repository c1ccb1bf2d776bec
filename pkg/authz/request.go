// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
)

const executeAPIService = "execute-api"

// ErrInvalidMethodARN is returned when a request's method ARN cannot be parsed.
var ErrInvalidMethodARN = errors.New("invalid method ARN")

// RequestContext identifies the API Gateway method being invoked.
type RequestContext struct {
	// MethodARN is arn:<partition>:execute-api:<region>:<account>:<api>/<stage>/<verb>/<path...>
	MethodARN string
}

// MethodARN is a parsed execute-api method ARN.
type MethodARN struct {
	Partition string
	Region    string
	AccountID string
	APIID     string
	Stage     string
	Verb      string
	Path      string
}

// ParseMethodARN splits an execute-api method ARN into its origin identifiers.
func ParseMethodARN(s string) (MethodARN, error) {
	parsed, err := arn.Parse(s)
	if err != nil {
		return MethodARN{}, fmt.Errorf("%w: %w", ErrInvalidMethodARN, err)
	}
	if parsed.Service != executeAPIService {
		return MethodARN{}, fmt.Errorf("%w: service %q", ErrInvalidMethodARN, parsed.Service)
	}
	if parsed.Region == "" || parsed.AccountID == "" {
		return MethodARN{}, fmt.Errorf("%w: missing region or account", ErrInvalidMethodARN)
	}

	parts := strings.SplitN(parsed.Resource, "/", 4)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return MethodARN{}, fmt.Errorf("%w: resource %q has no api id and stage", ErrInvalidMethodARN, parsed.Resource)
	}

	m := MethodARN{
		Partition: parsed.Partition,
		Region:    parsed.Region,
		AccountID: parsed.AccountID,
		APIID:     parts[0],
		Stage:     parts[1],
	}
	if len(parts) > 2 {
		m.Verb = parts[2]
	}
	if len(parts) > 3 {
		m.Path = parts[3]
	}
	return m, nil
}

// StageWildcard returns an ARN covering every method and resource of the stage.
func (m MethodARN) StageWildcard() string {
	return arn.ARN{
		Partition: m.Partition,
		Service:   executeAPIService,
		Region:    m.Region,
		AccountID: m.AccountID,
		Resource:  m.APIID + "/" + m.Stage + "/*/*",
	}.String()
}
