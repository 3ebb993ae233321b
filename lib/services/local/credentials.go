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

// Package local implements the services interfaces on top of the key
// value backend.
package local

import (
	"bytes"
	"context"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/lib/backend"
	"github.com/gravitational/faceauth/lib/services"
	"github.com/gravitational/faceauth/lib/utils"
	"github.com/gravitational/faceauth/types"
)

const (
	credentialsPrefix = "credentials"
	templateIDsPrefix = "template_ids"
)

// CredentialService is the backend-backed reference CredentialStore.
type CredentialService struct {
	backend.Backend
}

// NewCredentialService returns a credential store on the given backend.
func NewCredentialService(b backend.Backend) *CredentialService {
	return &CredentialService{Backend: b}
}

// GetCredential returns the user's credential record or NotFound.
func (s *CredentialService) GetCredential(ctx context.Context, realm, userID string) (*types.CredentialRecord, error) {
	if realm == "" || userID == "" {
		return nil, trace.BadParameter("missing realm or user id")
	}
	item, err := s.Get(ctx, backend.Key(credentialsPrefix, realm, userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q in realm %q has no face credential", userID, realm)
		}
		return nil, trace.Wrap(err)
	}
	var record types.CredentialRecord
	if err := utils.FastUnmarshal(item.Value, &record); err != nil {
		return nil, trace.Wrap(err)
	}
	return &record, nil
}

// UpsertCredential stores the user's credential record.
func (s *CredentialService) UpsertCredential(ctx context.Context, realm, userID string, record *types.CredentialRecord) error {
	if realm == "" || userID == "" {
		return trace.BadParameter("missing realm or user id")
	}
	if err := record.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	value, err := utils.FastMarshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{
		Key:   backend.Key(credentialsPrefix, realm, userID),
		Value: value,
	})
	return trace.Wrap(err)
}

// DeleteCredential removes the user's credential record and releases its
// template id reservation.
func (s *CredentialService) DeleteCredential(ctx context.Context, realm, userID string) error {
	record, err := s.GetCredential(ctx, realm, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.Delete(ctx, backend.Key(credentialsPrefix, realm, userID)); err != nil {
		return trace.Wrap(err)
	}
	if err := s.ReleaseTemplateID(ctx, record.TemplateID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// ListCredentials returns the credential records of a realm, or of every
// realm when realm is empty.
func (s *CredentialService) ListCredentials(ctx context.Context, realm string) ([]services.UserCredential, error) {
	startKey := backend.ExactKey(credentialsPrefix)
	if realm != "" {
		startKey = backend.ExactKey(credentialsPrefix, realm)
	}
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]services.UserCredential, 0, len(result.Items))
	for _, item := range result.Items {
		parts := strings.Split(strings.TrimPrefix(string(item.Key), string(backend.Separator)), string(backend.Separator))
		if len(parts) != 3 {
			return nil, trace.BadParameter("malformed credential key %q", string(item.Key))
		}
		var record types.CredentialRecord
		if err := utils.FastUnmarshal(item.Value, &record); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, services.UserCredential{
			Realm:  parts[1],
			UserID: parts[2],
			Record: record,
		})
	}
	return out, nil
}

// templateIDReservation marks a template id as claimed and records who
// claimed it, which makes orphaned reservations attributable.
type templateIDReservation struct {
	Realm  string `json:"realm"`
	UserID string `json:"user_id"`
}

// ReserveTemplateID claims a generated template id, AlreadyExists when
// the id is taken.
func (s *CredentialService) ReserveTemplateID(ctx context.Context, id types.TemplateID, realm, userID string) error {
	if err := id.Check(); err != nil {
		return trace.Wrap(err)
	}
	value, err := utils.FastMarshal(templateIDReservation{Realm: realm, UserID: userID})
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Create(ctx, backend.Item{
		Key:   backend.Key(templateIDsPrefix, id.String()),
		Value: value,
	})
	if trace.IsAlreadyExists(err) {
		return trace.AlreadyExists("template id %v is already reserved", id)
	}
	return trace.Wrap(err)
}

// ReleaseTemplateID drops a template id reservation.
func (s *CredentialService) ReleaseTemplateID(ctx context.Context, id types.TemplateID) error {
	if err := id.Check(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.Delete(ctx, backend.Key(templateIDsPrefix, id.String())))
}

// compareAndSwapJSON swaps the stored JSON document at key from expected
// to replacement, mapping a value mismatch to CompareFailed.
func compareAndSwapJSON(ctx context.Context, b backend.Backend, key []byte, expected, replacement any) error {
	expectedValue, err := utils.FastMarshal(expected)
	if err != nil {
		return trace.Wrap(err)
	}
	replacementValue, err := utils.FastMarshal(replacement)
	if err != nil {
		return trace.Wrap(err)
	}
	if bytes.Equal(expectedValue, replacementValue) {
		return trace.BadParameter("compare and swap with identical documents")
	}
	_, err = b.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: expectedValue},
		backend.Item{Key: key, Value: replacementValue},
	)
	return trace.Wrap(err)
}
