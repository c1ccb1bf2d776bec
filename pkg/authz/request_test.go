// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMethodARN = "arn:aws:execute-api:eu-west-1:123456789012:a1b2c3/prod/GET/orders/42"
	testStageARN  = "arn:aws:execute-api:eu-west-1:123456789012:a1b2c3/prod/*/*"
)

func TestParseMethodARN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    MethodARN
		wantErr bool
	}{
		{
			name: "full method arn",
			in:   testMethodARN,
			want: MethodARN{
				Partition: "aws", Region: "eu-west-1", AccountID: "123456789012",
				APIID: "a1b2c3", Stage: "prod", Verb: "GET", Path: "orders/42",
			},
		},
		{
			name: "govcloud partition",
			in:   "arn:aws-us-gov:execute-api:us-gov-west-1:123456789012:api/dev/POST/",
			want: MethodARN{
				Partition: "aws-us-gov", Region: "us-gov-west-1", AccountID: "123456789012",
				APIID: "api", Stage: "dev", Verb: "POST",
			},
		},
		{
			name: "stage only",
			in:   "arn:aws:execute-api:eu-west-1:123456789012:api/prod",
			want: MethodARN{
				Partition: "aws", Region: "eu-west-1", AccountID: "123456789012",
				APIID: "api", Stage: "prod",
			},
		},
		{name: "empty", in: "", wantErr: true},
		{name: "not an arn", in: "orders/42", wantErr: true},
		{name: "wrong service", in: "arn:aws:lambda:eu-west-1:123456789012:function:x", wantErr: true},
		{name: "missing stage", in: "arn:aws:execute-api:eu-west-1:123456789012:api", wantErr: true},
		{name: "missing account", in: "arn:aws:execute-api:eu-west-1::api/prod/GET/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMethodARN(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMethodARN)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMethodARN_StageWildcard(t *testing.T) {
	t.Parallel()

	m, err := ParseMethodARN(testMethodARN)
	require.NoError(t, err)
	assert.Equal(t, testStageARN, m.StageWildcard())
}
