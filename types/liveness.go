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

import (
	"time"

	"github.com/gravitational/trace"
)

// LivenessMode selects how liveness evidence is collected.
type LivenessMode string

const (
	// LivenessModePassive analyzes the texture of a single capture.
	LivenessModePassive LivenessMode = "passive"
	// LivenessModeActive compares two captures for motion, typically a
	// neutral face and a smile.
	LivenessModeActive LivenessMode = "active-smile"
	// LivenessModeChallengeResponse has the user perform requested head
	// movements across two captures.
	LivenessModeChallengeResponse LivenessMode = "challenge-response"
	// LivenessModeCombined aggregates the passive and active checks.
	LivenessModeCombined LivenessMode = "combined"
)

// Check validates the mode.
func (m LivenessMode) Check() error {
	switch m {
	case LivenessModePassive, LivenessModeActive, LivenessModeChallengeResponse, LivenessModeCombined:
		return nil
	}
	return trace.BadParameter("unsupported liveness mode %q", string(m))
}

// ImageBounds returns the image-set size the mode requires.
func (m LivenessMode) ImageBounds() (min, max int) {
	switch m {
	case LivenessModePassive:
		return 1, 1
	case LivenessModeActive, LivenessModeChallengeResponse:
		return 2, 2
	case LivenessModeCombined:
		return 1, 2
	}
	return 0, 0
}

// RiskLevel is the caller-assessed risk of the authentication attempt,
// mapped to a liveness mode when adaptive selection is on.
type RiskLevel string

const (
	// RiskLow maps to passive liveness.
	RiskLow RiskLevel = "low"
	// RiskMedium maps to active liveness.
	RiskMedium RiskLevel = "medium"
	// RiskHigh maps to challenge-response liveness.
	RiskHigh RiskLevel = "high"
	// RiskVeryHigh maps to the combined mode.
	RiskVeryHigh RiskLevel = "very-high"
)

// Direction is a head movement a challenge-response run can request.
type Direction string

const (
	// DirectionUp asks the user to tilt their head up.
	DirectionUp Direction = "up"
	// DirectionDown asks the user to tilt their head down.
	DirectionDown Direction = "down"
	// DirectionLeft asks the user to turn their head left.
	DirectionLeft Direction = "left"
	// DirectionRight asks the user to turn their head right.
	DirectionRight Direction = "right"
)

// Directions lists every direction the engine can request.
var Directions = []Direction{DirectionUp, DirectionDown, DirectionLeft, DirectionRight}

// LivenessChallenge is a single-use challenge-response prompt. The caller
// presents Directions to the user, captures the movements, and submits
// the captures tagged with the directions they are claimed to show.
type LivenessChallenge struct {
	// Nonce uniquely identifies the challenge; consumed on first use.
	Nonce string `json:"nonce"`
	// Directions are the requested head movements, in prompt order.
	Directions []Direction `json:"directions"`
	// Deadline is when the challenge expires.
	Deadline time.Time `json:"deadline"`
}

// LivenessOutcome is the decision of a liveness run.
type LivenessOutcome struct {
	// Alive is the spoof-detection decision.
	Alive bool `json:"alive"`
	// Score is the normalized liveness confidence.
	Score float64 `json:"score"`
	// Mode is the mode that produced the outcome.
	Mode LivenessMode `json:"mode"`
	// ProcessingTime is how long BWS spent on the decision.
	ProcessingTime time.Duration `json:"processing_time"`
	// ErrorKind classifies the rejection when Alive is false.
	ErrorKind string `json:"error_kind,omitempty"`
}
