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

package local

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/faceauth/lib/backend/memory"
	"github.com/gravitational/faceauth/types"
)

func newMemoryBackend(t *testing.T) (*memory.Memory, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return bk, clock
}

func newRecord(clock clockwork.Clock, id types.TemplateID) *types.CredentialRecord {
	now := clock.Now().UTC()
	return &types.CredentialRecord{
		TemplateID:     id,
		CreatedAt:      now,
		ExpiresAt:      now.Add(90 * 24 * time.Hour),
		ImageCount:     3,
		EncoderVersion: "4",
		TemplateKind:   types.TemplateKindFull,
	}
}

func TestCredentialServiceCRUD(t *testing.T) {
	t.Parallel()
	bk, clock := newMemoryBackend(t)
	svc := NewCredentialService(bk)
	ctx := t.Context()

	_, err := svc.GetCredential(ctx, "corp", "alice")
	require.True(t, trace.IsNotFound(err))

	record := newRecord(clock, 12345)
	require.NoError(t, svc.ReserveTemplateID(ctx, record.TemplateID, "corp", "alice"))
	require.NoError(t, svc.UpsertCredential(ctx, "corp", "alice", record))

	got, err := svc.GetCredential(ctx, "corp", "alice")
	require.NoError(t, err)
	require.Equal(t, record.TemplateID, got.TemplateID)
	require.Equal(t, types.TemplateKindFull, got.TemplateKind)

	// Upsert overwrites in place.
	record.LastVerifiedAt = clock.Now().UTC()
	require.NoError(t, svc.UpsertCredential(ctx, "corp", "alice", record))
	got, err = svc.GetCredential(ctx, "corp", "alice")
	require.NoError(t, err)
	require.False(t, got.LastVerifiedAt.IsZero())

	// Deleting the credential frees the template id for reuse.
	require.NoError(t, svc.DeleteCredential(ctx, "corp", "alice"))
	_, err = svc.GetCredential(ctx, "corp", "alice")
	require.True(t, trace.IsNotFound(err))
	require.NoError(t, svc.ReserveTemplateID(ctx, record.TemplateID, "corp", "bob"))
}

func TestCredentialServiceList(t *testing.T) {
	t.Parallel()
	bk, clock := newMemoryBackend(t)
	svc := NewCredentialService(bk)
	ctx := t.Context()

	require.NoError(t, svc.UpsertCredential(ctx, "corp", "alice", newRecord(clock, 1)))
	require.NoError(t, svc.UpsertCredential(ctx, "corp", "bob", newRecord(clock, 2)))
	require.NoError(t, svc.UpsertCredential(ctx, "partner", "carol", newRecord(clock, 3)))

	corp, err := svc.ListCredentials(ctx, "corp")
	require.NoError(t, err)
	require.Len(t, corp, 2)
	require.Equal(t, "alice", corp[0].UserID)
	require.Equal(t, "bob", corp[1].UserID)

	all, err := svc.ListCredentials(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestTemplateIDReservation(t *testing.T) {
	t.Parallel()
	bk, _ := newMemoryBackend(t)
	svc := NewCredentialService(bk)
	ctx := t.Context()

	require.NoError(t, svc.ReserveTemplateID(ctx, 42, "corp", "alice"))
	err := svc.ReserveTemplateID(ctx, 42, "corp", "bob")
	require.True(t, trace.IsAlreadyExists(err))

	require.NoError(t, svc.ReleaseTemplateID(ctx, 42))
	require.NoError(t, svc.ReserveTemplateID(ctx, 42, "corp", "bob"))

	require.Error(t, svc.ReserveTemplateID(ctx, 0, "corp", "alice"))
}

func newDeletionRequest(clock clockwork.Clock, id string) *types.DeletionRequest {
	return &types.DeletionRequest{
		ID:          id,
		Realm:       "corp",
		UserID:      "alice",
		TemplateID:  42,
		Reason:      "user requested erasure",
		State:       types.DeletionStatePending,
		RequestedAt: clock.Now().UTC(),
	}
}

func TestDeletionRequestLifecycle(t *testing.T) {
	t.Parallel()
	bk, clock := newMemoryBackend(t)
	svc := NewDeletionRequestService(bk)
	ctx := t.Context()

	req := newDeletionRequest(clock, "req-1")
	require.NoError(t, svc.CreateDeletionRequest(ctx, req))
	require.True(t, trace.IsAlreadyExists(svc.CreateDeletionRequest(ctx, req)))

	stored, err := svc.GetDeletionRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, types.DeletionStatePending, stored.State)
	require.Equal(t, types.DeletionPriorityNormal, stored.Priority)

	// Approve via compare and swap.
	approved := *stored
	approved.State = types.DeletionStateApproved
	approved.ReviewedBy = "admin"
	require.NoError(t, svc.CompareAndSwapDeletionRequest(ctx, stored, &approved))

	// A racing decline loses with CompareFailed.
	declined := *stored
	declined.State = types.DeletionStateDeclined
	declined.ReviewedBy = "other-admin"
	err = svc.CompareAndSwapDeletionRequest(ctx, stored, &declined)
	require.True(t, trace.IsCompareFailed(err))

	// Illegal transitions are rejected before touching storage.
	completed := approved
	completed.State = types.DeletionStateCompleted
	err = svc.CompareAndSwapDeletionRequest(ctx, &approved, &completed)
	require.True(t, trace.IsBadParameter(err))

	inProgress := approved
	inProgress.State = types.DeletionStateInProgress
	require.NoError(t, svc.CompareAndSwapDeletionRequest(ctx, &approved, &inProgress))
}

func TestDeletionRequestUpdateGuardsState(t *testing.T) {
	t.Parallel()
	bk, clock := newMemoryBackend(t)
	svc := NewDeletionRequestService(bk)
	ctx := t.Context()

	req := newDeletionRequest(clock, "req-1")
	require.NoError(t, svc.CreateDeletionRequest(ctx, req))

	// Bookkeeping updates are fine.
	escalated := *req
	escalated.Priority = types.DeletionPriorityNormal
	escalated.Escalated = true
	require.NoError(t, svc.UpdateDeletionRequest(ctx, &escalated))

	stored, err := svc.GetDeletionRequest(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, stored.Escalated)

	// State changes must not sneak through Update.
	sneaky := *stored
	sneaky.State = types.DeletionStateCompleted
	err = svc.UpdateDeletionRequest(ctx, &sneaky)
	require.True(t, trace.IsBadParameter(err))
}

func TestDeletionRequestList(t *testing.T) {
	t.Parallel()
	bk, clock := newMemoryBackend(t)
	svc := NewDeletionRequestService(bk)
	ctx := t.Context()

	require.NoError(t, svc.CreateDeletionRequest(ctx, newDeletionRequest(clock, "req-1")))
	require.NoError(t, svc.CreateDeletionRequest(ctx, newDeletionRequest(clock, "req-2")))

	all, err := svc.ListDeletionRequests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func newBulkOperation(clock clockwork.Clock, id string) *types.BulkOperation {
	return &types.BulkOperation{
		ID:        id,
		Kind:      types.BulkKindDelete,
		Realm:     "corp",
		Total:     10,
		State:     types.BulkStateRunning,
		StartedAt: clock.Now().UTC(),
	}
}

func TestBulkOperationLifecycle(t *testing.T) {
	t.Parallel()
	bk, clock := newMemoryBackend(t)
	svc := NewBulkOperationService(bk)
	ctx := t.Context()

	op := newBulkOperation(clock, "op-1")
	require.NoError(t, svc.CreateBulkOperation(ctx, op))

	// Progress updates keep the state.
	op.Processed, op.Succeeded = 4, 4
	require.NoError(t, svc.UpdateBulkOperation(ctx, op))

	stored, err := svc.GetBulkOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, 4, stored.Processed)

	// A running operation cannot be reaped.
	err = svc.DeleteBulkOperation(ctx, "op-1")
	require.True(t, trace.IsBadParameter(err))

	// Cancellation races the finishing worker through compare and swap.
	cancelled := *stored
	cancelled.State = types.BulkStateCancelled
	cancelled.CompletedAt = clock.Now().UTC()
	require.NoError(t, svc.CompareAndSwapBulkOperation(ctx, stored, &cancelled))

	finished := *stored
	finished.State = types.BulkStateCompleted
	err = svc.CompareAndSwapBulkOperation(ctx, stored, &finished)
	require.True(t, trace.IsCompareFailed(err))

	require.NoError(t, svc.DeleteBulkOperation(ctx, "op-1"))
	_, err = svc.GetBulkOperation(ctx, "op-1")
	require.True(t, trace.IsNotFound(err))
}

func TestBulkOperationList(t *testing.T) {
	t.Parallel()
	bk, clock := newMemoryBackend(t)
	svc := NewBulkOperationService(bk)
	ctx := t.Context()

	require.NoError(t, svc.CreateBulkOperation(ctx, newBulkOperation(clock, "op-1")))
	require.NoError(t, svc.CreateBulkOperation(ctx, newBulkOperation(clock, "op-2")))

	all, err := svc.ListBulkOperations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
