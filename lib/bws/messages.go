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
	"time"

	"github.com/gravitational/faceauth/types"
)

// Wire messages of the BWS RPC surface. The framing and field names are
// dictated by the service; keep them stable.

// ImagePayload carries one capture over the wire.
type ImagePayload struct {
	// Data is the encoded capture.
	Data []byte `json:"data"`
	// Codec is "jpeg" or "png".
	Codec string `json:"codec"`
	// Tags optionally name the claimed head movement for
	// challenge-response liveness.
	Tags []string `json:"tags,omitempty"`
}

func imagePayloads(images []types.Image) []ImagePayload {
	out := make([]ImagePayload, 0, len(images))
	for _, img := range images {
		p := ImagePayload{Data: img.Data, Codec: string(img.Codec)}
		if img.Tag != "" {
			p.Tags = []string{string(img.Tag)}
		}
		out = append(out, p)
	}
	return out
}

type enrollRequest struct {
	TemplateID int64          `json:"template_id"`
	Images     []ImagePayload `json:"images"`
	Tags       []string       `json:"tags,omitempty"`
}

type enrollResponse struct {
	Action           string   `json:"action"`
	EncoderVersion   string   `json:"encoder_version"`
	FeatureVectors   int      `json:"feature_vectors"`
	ThumbnailsStored bool     `json:"thumbnails_stored"`
	Errors           []string `json:"errors,omitempty"`
}

type verifyRequest struct {
	TemplateID int64          `json:"template_id"`
	Images     []ImagePayload `json:"images"`
}

type verifyResponse struct {
	Score  float64  `json:"score"`
	Errors []string `json:"errors,omitempty"`
}

type livenessRequest struct {
	Images []ImagePayload `json:"images"`
	Mode   string         `json:"mode"`
	Tags   []string       `json:"tags,omitempty"`
}

// ImageProperties reports per-capture observations of a liveness run.
type ImageProperties struct {
	// FaceCount is the number of faces detected.
	FaceCount int `json:"face_count"`
	// Quality is the normalized capture quality.
	Quality float64 `json:"quality"`
}

type livenessResponse struct {
	Alive            bool              `json:"alive"`
	Score            float64           `json:"score"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	ImageProperties  []ImageProperties `json:"image_properties,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
}

type statusRequest struct {
	TemplateID        int64 `json:"template_id"`
	IncludeThumbnails bool  `json:"include_thumbnails,omitempty"`
}

type statusResponse struct {
	Available          bool           `json:"available"`
	EnrolledAt         time.Time      `json:"enrolled_at,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	EncoderVersion     string         `json:"encoder_version,omitempty"`
	FeatureVectorCount int            `json:"feature_vector_count,omitempty"`
	ThumbnailsStored   bool           `json:"thumbnails_stored,omitempty"`
	Thumbnails         []ImagePayload `json:"thumbnails,omitempty"`
}

type deleteRequest struct {
	TemplateID int64 `json:"template_id"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

type setTagsRequest struct {
	TemplateID int64    `json:"template_id"`
	Tags       []string `json:"tags"`
}

type setTagsResponse struct{}

type healthRequest struct{}

type healthResponse struct {
	Available        bool    `json:"available"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorRate1m      float64 `json:"error_rate_1m"`
}

// EnrollResult is the outcome of a template enrollment.
type EnrollResult struct {
	// Action reports whether the template was created, updated or
	// upgraded.
	Action types.EnrollAction
	// EncoderVersion is the model generation that produced the template.
	EncoderVersion string
	// FeatureVectors is the number of extracted feature vectors.
	FeatureVectors int
	// ThumbnailsStored reports whether BWS kept thumbnails.
	ThumbnailsStored bool
}

// VerifyResult is the outcome of a one-to-one verification call. The
// score is normalized to [0,1], higher meaning a closer match; the
// decision against the threshold belongs to the verification workflow.
type VerifyResult struct {
	// Score is the normalized match score.
	Score float64
}

// LivenessResult is the outcome of a liveness detection call.
type LivenessResult struct {
	// Alive is the BWS spoof decision before engine-side gating.
	Alive bool
	// Score is the normalized liveness confidence.
	Score float64
	// ProcessingTime is how long BWS spent on the decision.
	ProcessingTime time.Duration
	// ImageProperties are per-capture observations.
	ImageProperties []ImageProperties
	// RejectionCode is the service's rejection reason when Alive is
	// false, one of the Code* constants.
	RejectionCode string
}

// ServiceHealth is a snapshot of a regional endpoint's health.
type ServiceHealth struct {
	// Available reports whether the endpoint accepts calls.
	Available bool
	// AverageLatency is the service-reported mean call latency.
	AverageLatency time.Duration
	// ErrorRate1m is the service-reported error fraction over the last
	// minute.
	ErrorRate1m float64
}

// DeleteOutcome reports how a template deletion concluded.
type DeleteOutcome string

const (
	// Deleted means the template existed and was removed.
	Deleted DeleteOutcome = "deleted"
	// AlreadyAbsent means the template was already gone; deletion is
	// idempotent and this is a success.
	AlreadyAbsent DeleteOutcome = "already_absent"
)
