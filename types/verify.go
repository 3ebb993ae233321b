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

package types

import "github.com/gravitational/trace"

// VerificationRequest asks the verification workflow to match captures
// against a user's enrolled template. Transient; images are owned by the
// caller.
type VerificationRequest struct {
	// Realm scopes the user.
	Realm string
	// UserID identifies the user within the realm.
	UserID string
	// Images are the captures to match; a single image performs one-shot
	// verification, more run the multi-image variant.
	Images []Image
	// LivenessMode optionally forces a liveness mode; empty selects per
	// configuration.
	LivenessMode LivenessMode
	// RiskLevel feeds adaptive liveness mode selection when set.
	RiskLevel RiskLevel
	// ThresholdOverride replaces the configured score cutoff when
	// non-nil; clamped to [0,1].
	ThresholdOverride *float64
	// ChallengeNonce references a minted liveness challenge when the
	// liveness mode is challenge-response.
	ChallengeNonce string
	// SessionID ties the attempt to the host authentication session.
	SessionID string
}

// Check validates the request shape.
func (r *VerificationRequest) Check() error {
	if r.Realm == "" {
		return trace.BadParameter("missing parameter Realm")
	}
	if r.UserID == "" {
		return trace.BadParameter("missing parameter UserID")
	}
	if len(r.Images) == 0 {
		return trace.BadParameter("at least one image is required")
	}
	if r.ThresholdOverride != nil && (*r.ThresholdOverride < 0 || *r.ThresholdOverride > 1) {
		return trace.BadParameter("threshold override %v outside [0,1]", *r.ThresholdOverride)
	}
	return nil
}

// VerificationOutcome is the decision of a verification run. Scores are
// normalized to [0,1] where higher means a closer match; Matched holds
// exactly when Score >= Threshold and liveness, when requested, passed.
type VerificationOutcome struct {
	// Matched is the authentication decision.
	Matched bool `json:"matched"`
	// Score is the normalized match score.
	Score float64 `json:"score"`
	// Threshold is the effective cutoff the score was compared against.
	Threshold float64 `json:"threshold"`
	// Liveness carries the liveness result when liveness ran.
	Liveness *LivenessOutcome `json:"liveness,omitempty"`
	// ErrorKind classifies the failure when Matched is false, empty on
	// plain below-threshold scores only if no other reason applies.
	ErrorKind string `json:"error_kind,omitempty"`
}
