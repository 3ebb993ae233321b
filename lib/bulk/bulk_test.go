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

package bulk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/faceauth/lib/backend/memory"
	"github.com/gravitational/faceauth/lib/bws"
	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/lib/services/local"
	"github.com/gravitational/faceauth/types"
)

// fakeTemplateOps is an in-memory stand-in for the BWS template surface.
// When hold is set, every call blocks on it until released or cancelled.
type fakeTemplateOps struct {
	mu        sync.Mutex
	deleted   []types.TemplateID
	tags      map[types.TemplateID][]string
	available map[types.TemplateID]bool
	errs      map[types.TemplateID]error
	hold      chan struct{}
}

func newFakeTemplateOps() *fakeTemplateOps {
	return &fakeTemplateOps{
		tags:      make(map[types.TemplateID][]string),
		available: make(map[types.TemplateID]bool),
		errs:      make(map[types.TemplateID]error),
	}
}

func (f *fakeTemplateOps) wait(ctx context.Context) error {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold == nil {
		return nil
	}
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		return trace.ConnectionProblem(ctx.Err(), "cancelled in flight")
	}
}

func (f *fakeTemplateOps) DeleteTemplate(ctx context.Context, id types.TemplateID) (bws.DeleteOutcome, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[id]; err != nil {
		return "", err
	}
	f.deleted = append(f.deleted, id)
	return bws.Deleted, nil
}

func (f *fakeTemplateOps) SetTemplateTags(ctx context.Context, id types.TemplateID, tags []string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[id]; err != nil {
		return err
	}
	f.tags[id] = tags
	return nil
}

func (f *fakeTemplateOps) GetTemplateStatus(ctx context.Context, id types.TemplateID, includeThumbnails bool) (*types.TemplateStatus, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return &types.TemplateStatus{TemplateID: id, Available: f.available[id]}, nil
}

type fakeUpgrader struct {
	mu       sync.Mutex
	upgraded []string
	err      error
}

func (f *fakeUpgrader) Upgrade(ctx context.Context, realm, userID string) (*types.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.upgraded = append(f.upgraded, realm+"/"+userID)
	return &types.CredentialRecord{}, nil
}

type env struct {
	engine      *Engine
	registry    *local.BulkOperationService
	credentials *local.CredentialService
	templates   *fakeTemplateOps
	upgrader    *fakeUpgrader
	clock       *clockwork.FakeClock
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	cfg := &config.Config{
		ClientID:        "partition-1",
		SecretKey:       "secret",
		PreferredRegion: "EU",
	}
	if mutate != nil {
		mutate(cfg)
	}
	store, err := config.NewStore(cfg)
	require.NoError(t, err)

	registry := local.NewBulkOperationService(bk)
	credentials := local.NewCredentialService(bk)
	templates := newFakeTemplateOps()
	upgrader := &fakeUpgrader{}
	engine, err := NewEngine(Config{
		Registry:    registry,
		Credentials: credentials,
		BWS:         templates,
		Upgrader:    upgrader,
		Settings:    store,
		Clock:       clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return &env{
		engine:      engine,
		registry:    registry,
		credentials: credentials,
		templates:   templates,
		upgrader:    upgrader,
		clock:       clock,
	}
}

func (e *env) enroll(t *testing.T, realm, user string, id types.TemplateID) {
	now := e.clock.Now().UTC()
	require.NoError(t, e.credentials.UpsertCredential(t.Context(), realm, user, &types.CredentialRecord{
		TemplateID:   id,
		CreatedAt:    now,
		ExpiresAt:    now.Add(730 * 24 * time.Hour),
		TemplateKind: types.TemplateKindStandard,
	}))
	e.templates.mu.Lock()
	e.templates.available[id] = true
	e.templates.mu.Unlock()
}

// awaitTerminal polls the registry until the operation leaves RUNNING.
func (e *env) awaitTerminal(t *testing.T, id string) *types.BulkOperation {
	t.Helper()
	var op *types.BulkOperation
	require.Eventually(t, func() bool {
		var err error
		op, err = e.registry.GetBulkOperation(context.Background(), id)
		return err == nil && op.State.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	return op
}

func TestAcquireWorkerReleasesOnCancel(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	// The pool is shared across operations, so a cancelled dispatch
	// must never keep a slot: even when the send and the cancellation
	// are simultaneously ready, the slot goes back.
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	for i := 0; i < 100; i++ {
		require.False(t, env.engine.acquireWorker(ctx))
		require.Zero(t, len(env.engine.workers))
	}

	// A live context still acquires.
	require.True(t, env.engine.acquireWorker(t.Context()))
	require.Equal(t, 1, len(env.engine.workers))
	<-env.engine.workers
}

func TestBulkDeleteOperation(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()
	env.enroll(t, "corp", "alice", 1)
	env.enroll(t, "corp", "bob", 2)

	op, err := env.engine.Submit(ctx, Submission{
		Kind:        types.BulkKindDelete,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{1, 2},
		Actor:       "admin",
	})
	require.NoError(t, err)

	final := env.awaitTerminal(t, op.ID)
	require.Equal(t, types.BulkStateCompleted, final.State)
	require.Equal(t, 2, final.Processed)
	require.Equal(t, 2, final.Succeeded)
	require.Zero(t, final.Failed)
	require.False(t, final.CompletedAt.IsZero())

	// Credentials are purged along with the templates.
	_, err = env.credentials.GetCredential(ctx, "corp", "alice")
	require.True(t, trace.IsNotFound(err))
	_, err = env.credentials.GetCredential(ctx, "corp", "bob")
	require.True(t, trace.IsNotFound(err))
}

func TestBulkPartialFailurePartitionsErrors(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.enroll(t, "corp", "alice", 1)
	env.templates.errs[2] = trace.ConnectionProblem(nil, "region down")
	env.templates.errs[3] = &bws.BusinessError{Code: bws.CodeFaceNotFound}

	op, err := env.engine.Submit(t.Context(), Submission{
		Kind:        types.BulkKindDelete,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{1, 2, 3},
	})
	require.NoError(t, err)

	final := env.awaitTerminal(t, op.ID)
	require.Equal(t, types.BulkStatePartiallyCompleted, final.State)
	require.Equal(t, 1, final.Succeeded)
	require.Equal(t, 2, final.Failed)

	retryable := make(map[types.TemplateID]bool)
	for _, itemErr := range final.Errors {
		retryable[itemErr.TemplateID] = itemErr.Retryable
	}
	require.Equal(t, map[types.TemplateID]bool{2: true, 3: false}, retryable)
}

func TestBulkAllFailuresMeansFailed(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.templates.errs[1] = trace.ConnectionProblem(nil, "region down")

	op, err := env.engine.Submit(t.Context(), Submission{
		Kind:        types.BulkKindDelete,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{1},
	})
	require.NoError(t, err)

	final := env.awaitTerminal(t, op.ID)
	require.Equal(t, types.BulkStateFailed, final.State)
}

func TestBulkConcurrencyLimit(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()
	hold := make(chan struct{})
	env.templates.hold = hold

	// Fill every operation slot with a blocked run.
	for i := 0; i < 5; i++ {
		_, err := env.engine.Submit(ctx, Submission{
			Kind:        types.BulkKindStatus,
			Realm:       "corp",
			TemplateIDs: []types.TemplateID{types.TemplateID(i + 1)},
		})
		require.NoError(t, err)
	}

	// The sixth submission is rejected, not queued.
	_, err := env.engine.Submit(ctx, Submission{
		Kind:        types.BulkKindStatus,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{99},
	})
	require.True(t, trace.IsLimitExceeded(err))

	close(hold)
}

func TestBulkCancel(t *testing.T) {
	t.Parallel()
	env := newEnv(t, func(cfg *config.Config) {
		cfg.BulkWorkers = 1
	})
	ctx := t.Context()
	hold := make(chan struct{})
	env.templates.hold = hold

	op, err := env.engine.Submit(ctx, Submission{
		Kind:        types.BulkKindStatus,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{1, 2, 3, 4, 5, 6},
	})
	require.NoError(t, err)

	require.NoError(t, env.engine.Cancel(ctx, op.ID))
	close(hold)

	final := env.awaitTerminal(t, op.ID)
	require.Equal(t, types.BulkStateCancelled, final.State)
	// Unstarted items were skipped.
	require.Less(t, final.Processed, final.Total)

	// Cancelling a terminal operation is rejected.
	err = env.engine.Cancel(ctx, op.ID)
	require.True(t, trace.IsBadParameter(err))
}

func TestBulkTagSweep(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	op, err := env.engine.Submit(t.Context(), Submission{
		Kind:        types.BulkKindTag,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{1, 2},
		Tags:        []string{"migrated", "batch-7"},
	})
	require.NoError(t, err)

	final := env.awaitTerminal(t, op.ID)
	require.Equal(t, types.BulkStateCompleted, final.State)
	require.Equal(t, []string{"migrated", "batch-7"}, env.templates.tags[1])
	require.Equal(t, []string{"migrated", "batch-7"}, env.templates.tags[2])
}

func TestBulkUpgradeSweepResolvesOwners(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.enroll(t, "corp", "alice", 1)

	// Template 9 has no owning credential in the realm.
	op, err := env.engine.Submit(t.Context(), Submission{
		Kind:        types.BulkKindUpgrade,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{1, 9},
	})
	require.NoError(t, err)

	final := env.awaitTerminal(t, op.ID)
	require.Equal(t, types.BulkStatePartiallyCompleted, final.State)
	require.Equal(t, []string{"corp/alice"}, env.upgrader.upgraded)
	require.Len(t, final.Errors, 1)
	require.Equal(t, types.TemplateID(9), final.Errors[0].TemplateID)
	require.False(t, final.Errors[0].Retryable)
}

func TestBulkStatusSweepFlagsMissingTemplates(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.templates.available[1] = true

	op, err := env.engine.Submit(t.Context(), Submission{
		Kind:        types.BulkKindStatus,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{1, 2},
	})
	require.NoError(t, err)

	final := env.awaitTerminal(t, op.ID)
	require.Equal(t, types.BulkStatePartiallyCompleted, final.State)
	require.Len(t, final.Errors, 1)
	require.Equal(t, types.TemplateID(2), final.Errors[0].TemplateID)
}

func TestBulkResubmitFailed(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()
	env.enroll(t, "corp", "alice", 1)
	env.templates.errs[2] = trace.ConnectionProblem(nil, "region down")
	env.templates.errs[3] = &bws.BusinessError{Code: bws.CodeFaceNotFound}

	op, err := env.engine.Submit(ctx, Submission{
		Kind:        types.BulkKindDelete,
		Realm:       "corp",
		TemplateIDs: []types.TemplateID{1, 2, 3},
	})
	require.NoError(t, err)
	env.awaitTerminal(t, op.ID)

	// The retry targets only the retryable failure.
	env.templates.mu.Lock()
	delete(env.templates.errs, 2)
	env.templates.mu.Unlock()
	retry, err := env.engine.ResubmitFailed(ctx, op.ID, nil, "admin")
	require.NoError(t, err)
	require.Equal(t, 1, retry.Total)

	final := env.awaitTerminal(t, retry.ID)
	require.Equal(t, types.BulkStateCompleted, final.State)
	require.Contains(t, env.templates.deleted, types.TemplateID(2))

	// Resubmitting again finds nothing retryable left.
	_, err = env.engine.ResubmitFailed(ctx, final.ID, nil, "admin")
	require.True(t, trace.IsNotFound(err))
}

func TestBulkRetentionSweep(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()
	now := env.clock.Now().UTC()

	old := &types.BulkOperation{
		ID:          uuid.NewString(),
		Kind:        types.BulkKindStatus,
		Realm:       "corp",
		Total:       1,
		State:       types.BulkStateCompleted,
		StartedAt:   now.Add(-9 * 24 * time.Hour),
		CompletedAt: now.Add(-8 * 24 * time.Hour),
	}
	fresh := &types.BulkOperation{
		ID:          uuid.NewString(),
		Kind:        types.BulkKindStatus,
		Realm:       "corp",
		Total:       1,
		State:       types.BulkStateCompleted,
		StartedAt:   now.Add(-time.Hour),
		CompletedAt: now,
	}
	running := &types.BulkOperation{
		ID:        uuid.NewString(),
		Kind:      types.BulkKindStatus,
		Realm:     "corp",
		Total:     1,
		State:     types.BulkStateRunning,
		StartedAt: now.Add(-9 * 24 * time.Hour),
	}
	require.NoError(t, env.registry.CreateBulkOperation(ctx, old))
	require.NoError(t, env.registry.CreateBulkOperation(ctx, fresh))
	require.NoError(t, env.registry.CreateBulkOperation(ctx, running))

	removed, err := env.engine.SweepRetention(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = env.registry.GetBulkOperation(ctx, old.ID)
	require.True(t, trace.IsNotFound(err))
	_, err = env.registry.GetBulkOperation(ctx, fresh.ID)
	require.NoError(t, err)
	_, err = env.registry.GetBulkOperation(ctx, running.ID)
	require.NoError(t, err)
}

func TestBulkSubmissionValidation(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()

	for _, sub := range []Submission{
		{Kind: "defrag", Realm: "corp", TemplateIDs: []types.TemplateID{1}},
		{Kind: types.BulkKindDelete, Realm: "corp"},
		{Kind: types.BulkKindDelete, TemplateIDs: []types.TemplateID{1}},
		{Kind: types.BulkKindTag, Realm: "corp", TemplateIDs: []types.TemplateID{1}},
		{Kind: types.BulkKindDelete, Realm: "corp", TemplateIDs: []types.TemplateID{0}},
	} {
		_, err := env.engine.Submit(ctx, sub)
		require.True(t, trace.IsBadParameter(err), "submission %+v", sub)
	}
}
