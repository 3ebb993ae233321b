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

// EnrollAction describes what BWS did with the template on enrollment.
type EnrollAction string

const (
	// EnrollActionCreated means a new template was created.
	EnrollActionCreated EnrollAction = "created"
	// EnrollActionUpdated means an existing template was rebuilt from the
	// supplied captures.
	EnrollActionUpdated EnrollAction = "updated"
	// EnrollActionUpgraded means an existing template was re-encoded with
	// a newer model generation.
	EnrollActionUpgraded EnrollAction = "upgraded"
)

// EnrollmentRequest asks the enrollment workflow to build a template for
// a user from a capture set. Transient; images are owned by the caller.
type EnrollmentRequest struct {
	// Realm scopes the user.
	Realm string
	// UserID identifies the user within the realm.
	UserID string
	// Images are the candidate captures, between two and the configured
	// maximum.
	Images []Image
	// Tags are optional labels stored on the template.
	Tags []string
}

// Check validates identity fields; image validation is bound to config
// and happens in the workflow.
func (r *EnrollmentRequest) Check() error {
	if r.Realm == "" {
		return trace.BadParameter("missing parameter Realm")
	}
	if r.UserID == "" {
		return trace.BadParameter("missing parameter UserID")
	}
	return nil
}
