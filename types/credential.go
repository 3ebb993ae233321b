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

// Package types defines the domain objects of the face authentication
// engine: credential records, template metadata, workflow requests and
// outcomes, liveness challenges, deletion requests and bulk operations.
// None of these objects ever carry raw biometric data past the call in
// which it was supplied.
package types

import (
	"slices"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// TemplateKind describes how much derived data BWS stored alongside a
// template at enrollment time.
type TemplateKind string

const (
	// TemplateKindCompact stores feature vectors only; such templates
	// cannot be upgraded to a newer encoder without re-capture.
	TemplateKindCompact TemplateKind = "compact"
	// TemplateKindStandard stores feature vectors and quality metadata.
	TemplateKindStandard TemplateKind = "standard"
	// TemplateKindFull additionally stores thumbnails, enabling encoder
	// upgrades without re-capture.
	TemplateKindFull TemplateKind = "full"
)

// Check validates the template kind.
func (k TemplateKind) Check() error {
	switch k {
	case TemplateKindCompact, TemplateKindStandard, TemplateKindFull:
		return nil
	}
	return trace.BadParameter("unsupported template kind %q", string(k))
}

// SupportsUpgrade reports whether a template of this kind retains the
// thumbnails an encoder upgrade re-enrolls from.
func (k TemplateKind) SupportsUpgrade() bool {
	return k == TemplateKindFull
}

// CredentialRecord links a user to a BWS template. It is the only
// face-authentication state the host persists per user and deliberately
// carries nothing but the opaque template id and non-sensitive metadata.
type CredentialRecord struct {
	// TemplateID is the BWS template the user verifies against.
	TemplateID TemplateID `json:"template_id"`
	// CreatedAt is when the credential was enrolled.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is when the credential stops verifying. Always at or
	// after CreatedAt; upgrades may only move it forward.
	ExpiresAt time.Time `json:"expires_at"`
	// ImageCount is the number of captures the template was built from.
	ImageCount int `json:"image_count"`
	// EncoderVersion is the BWS model generation that produced the
	// template.
	EncoderVersion string `json:"encoder_version"`
	// FeatureVectorCount is the number of feature vectors BWS extracted.
	FeatureVectorCount int `json:"feature_vector_count"`
	// ThumbnailsStored reports whether BWS kept thumbnails for upgrades.
	ThumbnailsStored bool `json:"thumbnails_stored"`
	// Tags are free-form labels attached at enrollment or later.
	Tags []string `json:"tags,omitempty"`
	// TemplateKind records how the template was enrolled.
	TemplateKind TemplateKind `json:"template_kind"`
	// LastVerifiedAt is the time of the last successful verification,
	// zero if the credential has never verified.
	LastVerifiedAt time.Time `json:"last_verified_at,omitempty"`
}

// CheckAndSetDefaults validates the record.
func (r *CredentialRecord) CheckAndSetDefaults() error {
	if err := r.TemplateID.Check(); err != nil {
		return trace.Wrap(err)
	}
	if r.CreatedAt.IsZero() {
		return trace.BadParameter("missing parameter CreatedAt")
	}
	if r.ExpiresAt.Before(r.CreatedAt) {
		return trace.BadParameter("credential expiry %v precedes creation %v", r.ExpiresAt, r.CreatedAt)
	}
	if r.TemplateKind == "" {
		r.TemplateKind = TemplateKindStandard
	}
	if err := r.TemplateKind.Check(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Expired reports whether the credential is past its expiry.
func (r *CredentialRecord) Expired(clock clockwork.Clock) bool {
	return clock.Now().After(r.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (r *CredentialRecord) Clone() *CredentialRecord {
	out := *r
	out.Tags = slices.Clone(r.Tags)
	return &out
}
