/*
 * FaceAuth
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package bws

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), retryable: true},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "slow"), retryable: true},
		{name: "unknown", err: status.Error(codes.Unknown, "glitch"), retryable: true},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "bad"), retryable: false},
		{name: "not found", err: status.Error(codes.NotFound, "missing"), retryable: false},
		{name: "unauthenticated", err: status.Error(codes.Unauthenticated, "who"), retryable: false},
		{name: "internal", err: status.Error(codes.Internal, "boom"), retryable: false},
		{name: "business", err: &BusinessError{Code: CodeFaceNotFound}, retryable: false},
		{name: "nil", err: nil, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestConvertError(t *testing.T) {
	t.Parallel()

	require.True(t, trace.IsConnectionProblem(ConvertError(status.Error(codes.Unavailable, "down"))))
	require.True(t, trace.IsConnectionProblem(ConvertError(status.Error(codes.DeadlineExceeded, "slow"))))
	require.True(t, trace.IsNotFound(ConvertError(status.Error(codes.NotFound, "missing"))))
	require.True(t, trace.IsBadParameter(ConvertError(status.Error(codes.InvalidArgument, "bad"))))
	require.True(t, trace.IsAccessDenied(ConvertError(status.Error(codes.Unauthenticated, "who"))))
	require.True(t, trace.IsLimitExceeded(ConvertError(status.Error(codes.ResourceExhausted, "busy"))))
	require.NoError(t, ConvertError(nil))

	// Business errors pass through untouched for reason extraction.
	be := &BusinessError{Code: CodeMultipleFacesFound}
	require.Equal(t, be, AsBusinessError(ConvertError(be)))
}

func TestBusinessError(t *testing.T) {
	t.Parallel()

	require.NoError(t, businessError(nil))
	err := businessError([]string{CodeLowImageQuality, CodeFaceNotFound})
	require.Error(t, err)
	require.Equal(t, CodeLowImageQuality, AsBusinessError(err).Code)
	require.Nil(t, AsBusinessError(status.Error(codes.Internal, "boom")))
}
