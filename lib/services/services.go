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

// Package services defines the storage interfaces the workflow engines
// depend on. The reference implementations in services/local persist to
// a key value backend; hosts embedding the engine may bring their own.
package services

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/types"
)

// UserCredential pairs a credential record with the user it belongs to.
type UserCredential struct {
	// Realm scopes the user id.
	Realm string `json:"realm"`
	// UserID is the owner of the record.
	UserID string `json:"user_id"`
	// Record is the stored credential.
	Record types.CredentialRecord `json:"record"`
}

// CredentialStore persists the link between users and BWS templates,
// plus the template id reservations that keep concurrently generated ids
// unique.
type CredentialStore interface {
	// GetCredential returns the user's credential record or NotFound.
	GetCredential(ctx context.Context, realm, userID string) (*types.CredentialRecord, error)

	// UpsertCredential stores the user's credential record.
	UpsertCredential(ctx context.Context, realm, userID string, record *types.CredentialRecord) error

	// DeleteCredential removes the user's credential record and releases
	// its template id reservation. Returns NotFound if there is none.
	DeleteCredential(ctx context.Context, realm, userID string) error

	// ListCredentials returns the credential records of a realm, or of
	// every realm when realm is empty.
	ListCredentials(ctx context.Context, realm string) ([]UserCredential, error)

	// ReserveTemplateID claims a freshly generated template id before it
	// is sent to BWS. Returns AlreadyExists when the id is taken.
	ReserveTemplateID(ctx context.Context, id types.TemplateID, realm, userID string) error

	// ReleaseTemplateID drops a reservation, typically after the
	// enrollment that claimed it failed.
	ReleaseTemplateID(ctx context.Context, id types.TemplateID) error
}

// DeletionRequests persists the GDPR deletion request queue.
type DeletionRequests interface {
	// CreateDeletionRequest stores a new request, AlreadyExists on a
	// duplicate id.
	CreateDeletionRequest(ctx context.Context, req *types.DeletionRequest) error

	// GetDeletionRequest returns a request by id or NotFound.
	GetDeletionRequest(ctx context.Context, id string) (*types.DeletionRequest, error)

	// UpdateDeletionRequest overwrites a request without changing its
	// state, for bookkeeping fields like the escalation flag.
	UpdateDeletionRequest(ctx context.Context, req *types.DeletionRequest) error

	// CompareAndSwapDeletionRequest transitions a request from expected
	// to replaceWith. The swap validates the state transition and returns
	// CompareFailed when the stored request no longer matches expected,
	// which makes concurrent approvals and processors safe.
	CompareAndSwapDeletionRequest(ctx context.Context, expected, replaceWith *types.DeletionRequest) error

	// ListDeletionRequests returns every stored request.
	ListDeletionRequests(ctx context.Context) ([]types.DeletionRequest, error)
}

// BulkOperations persists the bulk operation registry.
type BulkOperations interface {
	// CreateBulkOperation stores a new operation record.
	CreateBulkOperation(ctx context.Context, op *types.BulkOperation) error

	// GetBulkOperation returns an operation by id or NotFound.
	GetBulkOperation(ctx context.Context, id string) (*types.BulkOperation, error)

	// UpdateBulkOperation overwrites an operation record.
	UpdateBulkOperation(ctx context.Context, op *types.BulkOperation) error

	// CompareAndSwapBulkOperation transitions an operation from expected
	// to replaceWith, validating the state transition. Cooperative
	// cancellation races the finishing worker through this swap.
	CompareAndSwapBulkOperation(ctx context.Context, expected, replaceWith *types.BulkOperation) error

	// ListBulkOperations returns every stored operation.
	ListBulkOperations(ctx context.Context) ([]types.BulkOperation, error)

	// DeleteBulkOperation removes a terminal operation record.
	DeleteBulkOperation(ctx context.Context, id string) error
}

// RandomSource yields random positive 63-bit integers for template id
// generation. Tests substitute deterministic sources here.
type RandomSource func() (int64, error)

// CryptoRandomSource reads template id material from crypto/rand.
func CryptoRandomSource() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, trace.Wrap(err)
	}
	v := int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63))
	if v == 0 {
		v = 1
	}
	return v, nil
}
