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
	"errors"

	"github.com/gravitational/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gravitational/faceauth/lib/breaker"
)

// Business error codes BWS reports inside response payloads. These are
// verdicts about the submitted captures, never retried.
const (
	// CodeFaceNotFound means no face was detected in a capture.
	CodeFaceNotFound = "FaceNotFound"
	// CodeMultipleFacesFound means more than one face was detected.
	CodeMultipleFacesFound = "MultipleFacesFound"
	// CodeLowImageQuality means a capture was too poor to process.
	CodeLowImageQuality = "LowImageQuality"
	// CodeDifferentFeatureVersions means the capture set produced
	// feature vectors of mixed encoder generations.
	CodeDifferentFeatureVersions = "DifferentFeatureVersions"
	// CodeRejectedByPassive means passive liveness rejected the capture.
	CodeRejectedByPassive = "RejectedByPassiveLiveDetection"
	// CodeRejectedByActive means active liveness rejected the captures.
	CodeRejectedByActive = "RejectedByActiveLiveDetection"
	// CodeRejectedByChallengeResponse means the performed movements did
	// not match the challenge.
	CodeRejectedByChallengeResponse = "RejectedByChallengeResponse"
	// CodeThumbnailsNotAvailable means an upgrade was requested for a
	// template without stored thumbnails.
	CodeThumbnailsNotAvailable = "ThumbnailsNotAvailable"
)

// BusinessError is a BWS verdict about the submitted captures, decoded
// from a response payload. Business errors are permanent: resubmitting
// the same captures cannot succeed.
type BusinessError struct {
	// Code is one of the Code* constants.
	Code string
}

// Error implements error.
func (e *BusinessError) Error() string {
	return "bws rejected the request: " + e.Code
}

// businessError converts the error strings of a response payload into a
// BusinessError, nil when the payload carries none.
func businessError(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return &BusinessError{Code: errs[0]}
}

// AsBusinessError unwraps a BusinessError, nil if err is not one.
func AsBusinessError(err error) *BusinessError {
	var be *BusinessError
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// IsRetryable reports whether the error is a transient transport failure
// worth retrying: unavailable, deadline-exceeded, or unknown. Business
// errors and permanent transport errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if AsBusinessError(err) != nil {
		return false
	}
	if errors.Is(err, breaker.ErrStateTripped) {
		return false
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Unknown:
			return true
		}
	}
	return false
}

// IsChannelFailure reports whether the error indicates a broken
// transport channel that should be recycled, as opposed to a slow or
// rejected call.
func IsChannelFailure(err error) bool {
	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.Unavailable
	}
	return false
}

// ConvertError maps a transport error into the trace taxonomy. Transient
// failures convert to ConnectionProblem so callers can tell "service
// unreachable" from a rejected request.
func ConvertError(err error) error {
	if err == nil {
		return nil
	}
	if AsBusinessError(err) != nil {
		return err
	}
	s, ok := status.FromError(err)
	if !ok {
		return trace.Wrap(err)
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unknown:
		return trace.ConnectionProblem(err, "%s", s.Message())
	case codes.NotFound:
		return trace.NotFound("%s", s.Message())
	case codes.InvalidArgument:
		return trace.BadParameter("%s", s.Message())
	case codes.Unauthenticated, codes.PermissionDenied:
		return trace.AccessDenied("%s", s.Message())
	case codes.ResourceExhausted:
		return trace.LimitExceeded("%s", s.Message())
	case codes.Canceled:
		return trace.Wrap(err, "call cancelled")
	default:
		return trace.Wrap(err)
	}
}
