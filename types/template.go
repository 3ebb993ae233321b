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
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// TemplateID identifies a biometric template within a BWS partition.
// Always positive; once stored against a user it never changes silently.
type TemplateID int64

// Check validates the id.
func (id TemplateID) Check() error {
	if id <= 0 {
		return trace.BadParameter("template id must be a positive 64-bit integer, got %v", int64(id))
	}
	return nil
}

// String returns the decimal representation of the id.
func (id TemplateID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseTemplateID parses a decimal template id.
func ParseTemplateID(s string) (TemplateID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("invalid template id %q", s)
	}
	id := TemplateID(v)
	if err := id.Check(); err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

// Thumbnail is a BWS-stored downscaled capture returned only when a
// status call explicitly asks for thumbnails, and only to feed an encoder
// upgrade. Holders must call Zeroize before releasing the value.
type Thumbnail struct {
	// Data is the encoded thumbnail image.
	Data []byte `json:"data"`
	// Codec is the image codec of Data.
	Codec ImageCodec `json:"codec"`
}

// Zeroize overwrites the thumbnail bytes. Thumbnails are the only
// biometric payload that ever flows toward the engine and they must not
// outlive the upgrade call that fetched them.
func (t *Thumbnail) Zeroize() {
	for i := range t.Data {
		t.Data[i] = 0
	}
	t.Data = nil
}

// TemplateStatus is a read-only snapshot of a BWS template.
type TemplateStatus struct {
	// TemplateID identifies the template.
	TemplateID TemplateID `json:"template_id"`
	// Available reports whether the template exists in BWS.
	Available bool `json:"available"`
	// EnrolledAt is when BWS created the template.
	EnrolledAt time.Time `json:"enrolled_at,omitempty"`
	// Tags are the labels stored on the template.
	Tags []string `json:"tags,omitempty"`
	// EncoderVersion is the model generation that produced the template.
	EncoderVersion string `json:"encoder_version,omitempty"`
	// FeatureVectorCount is the number of stored feature vectors.
	FeatureVectorCount int `json:"feature_vector_count,omitempty"`
	// ThumbnailsStored reports whether thumbnails are retained.
	ThumbnailsStored bool `json:"thumbnails_stored,omitempty"`
	// Thumbnails carries the stored thumbnails when the caller asked for
	// them. Never persisted; zeroized by the consumer.
	Thumbnails []Thumbnail `json:"thumbnails,omitempty"`
}

// TemplateHealth classifies a template in a health report.
type TemplateHealth string

const (
	// TemplateHealthy means the record and the BWS template agree and no
	// maintenance is due.
	TemplateHealthy TemplateHealth = "healthy"
	// TemplateOutdatedEncoder means BWS reports a newer encoder
	// generation than the template was built with.
	TemplateOutdatedEncoder TemplateHealth = "outdated_encoder"
	// TemplateExpiringSoon means the credential expires within the
	// configured window.
	TemplateExpiringSoon TemplateHealth = "expiring_soon"
	// TemplateMissingThumbnails means the template kind promises
	// thumbnails but BWS no longer has them, so it cannot be upgraded.
	TemplateMissingThumbnails TemplateHealth = "missing_thumbnails"
	// TemplateOrphaned means a credential record points at a template
	// BWS does not have.
	TemplateOrphaned TemplateHealth = "orphaned"
	// TemplateSyncMismatch means the record and BWS disagree on template
	// metadata.
	TemplateSyncMismatch TemplateHealth = "sync_mismatch"
)

// TemplateHealthEntry is one row of a health report.
type TemplateHealthEntry struct {
	// UserID is the owning user.
	UserID string `json:"user_id"`
	// TemplateID identifies the template.
	TemplateID TemplateID `json:"template_id"`
	// Health is the classification.
	Health TemplateHealth `json:"health"`
	// Detail is an optional human-readable explanation.
	Detail string `json:"detail,omitempty"`
}
