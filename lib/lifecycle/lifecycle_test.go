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

package lifecycle

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/faceauth/lib/backend/memory"
	"github.com/gravitational/faceauth/lib/bws"
	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/lib/services/local"
	"github.com/gravitational/faceauth/types"
)

// fakeTemplates is an in-memory stand-in for the BWS template surface.
type fakeTemplates struct {
	statuses  map[types.TemplateID]*types.TemplateStatus
	enrollErr error
	deleteErr error
	deleted   []types.TemplateID
	enrolled  []types.TemplateID

	// enrollEntered receives when an Enroll call begins; enrollHold,
	// when set, blocks the call until closed.
	enrollEntered chan struct{}
	enrollHold    chan struct{}
}

func newFakeTemplates() *fakeTemplates {
	return &fakeTemplates{statuses: make(map[types.TemplateID]*types.TemplateStatus)}
}

func (f *fakeTemplates) GetTemplateStatus(ctx context.Context, id types.TemplateID, includeThumbnails bool) (*types.TemplateStatus, error) {
	status, ok := f.statuses[id]
	if !ok {
		return &types.TemplateStatus{TemplateID: id, Available: false}, nil
	}
	out := *status
	if !includeThumbnails {
		out.Thumbnails = nil
	}
	return &out, nil
}

func (f *fakeTemplates) GetTemplateStatusBatch(ctx context.Context, ids []types.TemplateID, includeThumbnails bool) ([]types.TemplateStatus, error) {
	out := make([]types.TemplateStatus, 0, len(ids))
	for _, id := range ids {
		status, err := f.GetTemplateStatus(ctx, id, includeThumbnails)
		if err != nil {
			return nil, err
		}
		out = append(out, *status)
	}
	return out, nil
}

func (f *fakeTemplates) Enroll(ctx context.Context, id types.TemplateID, images []types.Image, tags []string) (*bws.EnrollResult, error) {
	if f.enrollEntered != nil {
		f.enrollEntered <- struct{}{}
	}
	if f.enrollHold != nil {
		<-f.enrollHold
	}
	if f.enrollErr != nil {
		return nil, f.enrollErr
	}
	f.enrolled = append(f.enrolled, id)
	return &bws.EnrollResult{
		Action:           types.EnrollActionUpgraded,
		EncoderVersion:   "5",
		FeatureVectors:   len(images),
		ThumbnailsStored: true,
	}, nil
}

func (f *fakeTemplates) DeleteTemplate(ctx context.Context, id types.TemplateID) (bws.DeleteOutcome, error) {
	if f.deleteErr != nil {
		return "", f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	if _, ok := f.statuses[id]; !ok {
		return bws.AlreadyAbsent, nil
	}
	delete(f.statuses, id)
	return bws.Deleted, nil
}

type env struct {
	manager     *Manager
	credentials *local.CredentialService
	deletions   *local.DeletionRequestService
	templates   *fakeTemplates
	clock       *clockwork.FakeClock
}

func newEnv(t *testing.T) *env {
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	store, err := config.NewStore(&config.Config{
		ClientID:        "partition-1",
		SecretKey:       "secret",
		PreferredRegion: "EU",
	})
	require.NoError(t, err)

	credentials := local.NewCredentialService(bk)
	deletions := local.NewDeletionRequestService(bk)
	templates := newFakeTemplates()
	manager, err := NewManager(Config{
		Credentials:    credentials,
		Deletions:      deletions,
		BWS:            templates,
		Settings:       store,
		EncoderVersion: "5",
		Clock:          clock,
	})
	require.NoError(t, err)
	return &env{
		manager:     manager,
		credentials: credentials,
		deletions:   deletions,
		templates:   templates,
		clock:       clock,
	}
}

func (e *env) enroll(t *testing.T, realm, user string, id types.TemplateID, kind types.TemplateKind, ttl time.Duration) {
	now := e.clock.Now().UTC()
	require.NoError(t, e.credentials.UpsertCredential(t.Context(), realm, user, &types.CredentialRecord{
		TemplateID:         id,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
		EncoderVersion:     "5",
		FeatureVectorCount: 3,
		TemplateKind:       kind,
		ThumbnailsStored:   kind == types.TemplateKindFull,
	}))
	e.templates.statuses[id] = &types.TemplateStatus{
		TemplateID:         id,
		Available:          true,
		EnrolledAt:         now,
		EncoderVersion:     "5",
		FeatureVectorCount: 3,
		ThumbnailsStored:   kind == types.TemplateKindFull,
		Thumbnails: []types.Thumbnail{
			{Data: append([]byte{0xff, 0xd8, 0xff}, bytes.Repeat([]byte{0x11}, 64)...), Codec: types.ImageCodecJPEG},
			{Data: append([]byte{0xff, 0xd8, 0xff}, bytes.Repeat([]byte{0x22}, 64)...), Codec: types.ImageCodecJPEG},
		},
	}
}

func TestStatusNeverExposesThumbnails(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.enroll(t, "corp", "alice", 42, types.TemplateKindFull, 730*24*time.Hour)

	status, err := env.manager.Status(t.Context(), "corp", "alice")
	require.NoError(t, err)
	require.True(t, status.Available)
	require.Empty(t, status.Thumbnails)
}

func TestHealthReportClassification(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := t.Context()

	// healthy
	env.enroll(t, "corp", "healthy", 1, types.TemplateKindFull, 730*24*time.Hour)
	// orphaned: template gone on the service side
	env.enroll(t, "corp", "orphan", 2, types.TemplateKindFull, 730*24*time.Hour)
	delete(env.templates.statuses, 2)
	// sync mismatch: service disagrees on vectors
	env.enroll(t, "corp", "mismatch", 3, types.TemplateKindFull, 730*24*time.Hour)
	env.templates.statuses[3].FeatureVectorCount = 7
	// outdated encoder
	env.enroll(t, "corp", "outdated", 4, types.TemplateKindFull, 730*24*time.Hour)
	record, err := env.credentials.GetCredential(ctx, "corp", "outdated")
	require.NoError(t, err)
	record.EncoderVersion = "4"
	require.NoError(t, env.credentials.UpsertCredential(ctx, "corp", "outdated", record))
	env.templates.statuses[4].EncoderVersion = "4"
	// missing thumbnails
	env.enroll(t, "corp", "nothumbs", 5, types.TemplateKindFull, 730*24*time.Hour)
	env.templates.statuses[5].ThumbnailsStored = false
	// expiring soon
	env.enroll(t, "corp", "expiring", 6, types.TemplateKindFull, 10*24*time.Hour)

	entries, err := env.manager.HealthReport(ctx, "corp")
	require.NoError(t, err)
	byID := make(map[types.TemplateID]types.TemplateHealth)
	for _, entry := range entries {
		byID[entry.TemplateID] = entry.Health
	}
	require.Equal(t, map[types.TemplateID]types.TemplateHealth{
		1: types.TemplateHealthy,
		2: types.TemplateOrphaned,
		3: types.TemplateSyncMismatch,
		4: types.TemplateOutdatedEncoder,
		5: types.TemplateMissingThumbnails,
		6: types.TemplateExpiringSoon,
	}, byID)
}

func TestUpgrade(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := t.Context()
	env.enroll(t, "corp", "alice", 42, types.TemplateKindFull, 730*24*time.Hour)

	before, err := env.credentials.GetCredential(ctx, "corp", "alice")
	require.NoError(t, err)

	env.clock.Advance(100 * 24 * time.Hour)
	updated, err := env.manager.Upgrade(ctx, "corp", "alice")
	require.NoError(t, err)
	require.Equal(t, "5", updated.EncoderVersion)
	require.Equal(t, []types.TemplateID{42}, env.templates.enrolled)
	// Expiry moved forward with the upgrade.
	require.True(t, updated.ExpiresAt.After(before.ExpiresAt))

	// Thumbnails were zeroized after the upgrade used them.
	for _, thumb := range env.templates.statuses[42].Thumbnails {
		require.Nil(t, thumb.Data)
	}
}

func TestUpgradeExpiryIsMonotonic(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := t.Context()
	// A credential whose expiry is further out than now+TTL keeps it.
	env.enroll(t, "corp", "alice", 42, types.TemplateKindFull, 4000*24*time.Hour)

	before, err := env.credentials.GetCredential(ctx, "corp", "alice")
	require.NoError(t, err)

	updated, err := env.manager.Upgrade(ctx, "corp", "alice")
	require.NoError(t, err)
	require.Equal(t, before.ExpiresAt, updated.ExpiresAt)
}

func TestUpgradeRequiresThumbnails(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.enroll(t, "corp", "alice", 42, types.TemplateKindCompact, 730*24*time.Hour)

	_, err := env.manager.Upgrade(t.Context(), "corp", "alice")
	require.True(t, trace.IsBadParameter(err))
	require.Empty(t, env.templates.enrolled)
}

func TestUpgradeBlocksConcurrentSweep(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := t.Context()
	env.enroll(t, "corp", "alice", 42, types.TemplateKindFull, 24*time.Hour)
	env.clock.Advance(48 * time.Hour) // expired, eligible for the sweep

	entered := make(chan struct{}, 1)
	hold := make(chan struct{})
	env.templates.enrollEntered = entered
	env.templates.enrollHold = hold

	done := make(chan error, 1)
	go func() {
		_, err := env.manager.Upgrade(ctx, "corp", "alice")
		done <- err
	}()
	<-entered

	// The sweep must skip a user with an upgrade in flight: deleting
	// here would let the finishing upgrade resurrect the credential.
	removed, err := env.manager.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Empty(t, env.templates.deleted)

	close(hold)
	require.NoError(t, <-done)

	// The finished upgrade renewed the expiry, so the credential is
	// live again and the next sweep leaves it alone.
	record, err := env.credentials.GetCredential(ctx, "corp", "alice")
	require.NoError(t, err)
	require.True(t, record.ExpiresAt.After(env.clock.Now()))
	removed, err = env.manager.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := t.Context()

	env.enroll(t, "corp", "fresh", 1, types.TemplateKindFull, 730*24*time.Hour)
	env.enroll(t, "corp", "stale", 2, types.TemplateKindFull, 24*time.Hour)

	env.clock.Advance(48 * time.Hour)
	removed, err := env.manager.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, []types.TemplateID{2}, env.templates.deleted)

	_, err = env.credentials.GetCredential(ctx, "corp", "stale")
	require.True(t, trace.IsNotFound(err))
	_, err = env.credentials.GetCredential(ctx, "corp", "fresh")
	require.NoError(t, err)

	// The freed template id is reusable.
	require.NoError(t, env.credentials.ReserveTemplateID(ctx, 2, "corp", "bob"))
}

func TestSweepKeepsCredentialWhenServiceUnavailable(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := t.Context()

	env.enroll(t, "corp", "stale", 2, types.TemplateKindFull, 24*time.Hour)
	env.clock.Advance(48 * time.Hour)

	env.templates.deleteErr = trace.ConnectionProblem(nil, "service down")
	removed, err := env.manager.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	// Credential survives for the next sweep.
	_, err = env.credentials.GetCredential(ctx, "corp", "stale")
	require.NoError(t, err)
}
