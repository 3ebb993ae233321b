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

package verify

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
	"github.com/gravitational/faceauth/lib/liveness"
	"github.com/gravitational/faceauth/lib/services/local"
	"github.com/gravitational/faceauth/types"
)

type fakeMatcher struct {
	score float64
	err   error
	calls int
	multi bool

	// entered and hold let a test pause a match mid-flight.
	entered chan struct{}
	hold    chan struct{}
}

func (f *fakeMatcher) gate() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.hold != nil {
		<-f.hold
	}
}

func (f *fakeMatcher) Verify(ctx context.Context, templateID types.TemplateID, image types.Image) (*bws.VerifyResult, error) {
	f.gate()
	f.calls++
	f.multi = false
	if f.err != nil {
		return nil, f.err
	}
	return &bws.VerifyResult{Score: f.score}, nil
}

func (f *fakeMatcher) VerifyMulti(ctx context.Context, templateID types.TemplateID, images []types.Image) (*bws.VerifyResult, error) {
	f.gate()
	f.calls++
	f.multi = true
	if f.err != nil {
		return nil, f.err
	}
	return &bws.VerifyResult{Score: f.score}, nil
}

type fakeGate struct {
	outcome *types.LivenessOutcome
	err     error
	calls   int
}

func (f *fakeGate) Check(ctx context.Context, req *liveness.CheckRequest) (*types.LivenessOutcome, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func jpegImage() types.Image {
	return types.Image{Data: append([]byte{0xff, 0xd8, 0xff}, bytes.Repeat([]byte{0xef}, 2048)...)}
}

type env struct {
	workflow    *Workflow
	credentials *local.CredentialService
	matcher     *fakeMatcher
	gate        *fakeGate
	clock       *clockwork.FakeClock
}

func newEnv(t *testing.T, mutate func(cfg *config.Config)) *env {
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	cfg := config.NewDefault()
	cfg.ClientID = "partition-1"
	cfg.SecretKey = "secret"
	cfg.PreferredRegion = "EU"
	cfg.VerificationThreshold = 0.5
	if mutate != nil {
		mutate(cfg)
	}
	store, err := config.NewStore(cfg)
	require.NoError(t, err)

	credentials := local.NewCredentialService(bk)
	matcher := &fakeMatcher{score: 0.9}
	gate := &fakeGate{outcome: &types.LivenessOutcome{Alive: true, Score: 0.9, Mode: types.LivenessModePassive}}
	workflow, err := NewWorkflow(Config{
		Credentials: credentials,
		BWS:         matcher,
		Liveness:    gate,
		Settings:    store,
		Clock:       clock,
	})
	require.NoError(t, err)
	return &env{workflow: workflow, credentials: credentials, matcher: matcher, gate: gate, clock: clock}
}

func (e *env) enroll(t *testing.T, realm, user string, id types.TemplateID) {
	now := e.clock.Now().UTC()
	require.NoError(t, e.credentials.UpsertCredential(t.Context(), realm, user, &types.CredentialRecord{
		TemplateID:   id,
		CreatedAt:    now,
		ExpiresAt:    now.Add(730 * 24 * time.Hour),
		TemplateKind: types.TemplateKindStandard,
	}))
}

func TestVerifyMatch(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.enroll(t, "corp", "alice", 42)

	outcome, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage()},
	})
	require.NoError(t, err)
	require.True(t, outcome.Matched)
	require.Equal(t, 0.9, outcome.Score)
	require.Equal(t, 0.5, outcome.Threshold)
	require.NotNil(t, outcome.Liveness)
	require.False(t, env.matcher.multi)

	// A successful match stamps the credential.
	record, err := env.credentials.GetCredential(t.Context(), "corp", "alice")
	require.NoError(t, err)
	require.Equal(t, env.clock.Now().UTC(), record.LastVerifiedAt)
}

func TestVerifyMatchAfterErasureDoesNotRestoreCredential(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()
	env.enroll(t, "corp", "alice", 42)

	entered := make(chan struct{}, 1)
	hold := make(chan struct{})
	env.matcher.entered = entered
	env.matcher.hold = hold

	type result struct {
		outcome *types.VerificationOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := env.workflow.Run(ctx, &types.VerificationRequest{
			Realm:  "corp",
			UserID: "alice",
			Images: []types.Image{jpegImage()},
		})
		done <- result{outcome, err}
	}()
	<-entered

	// The credential is erased while the match is still in flight.
	require.NoError(t, env.credentials.DeleteCredential(ctx, "corp", "alice"))
	close(hold)

	res := <-done
	require.NoError(t, res.err)
	require.True(t, res.outcome.Matched)

	// The authenticated match stands, but its bookkeeping write must not
	// bring the erased credential back.
	_, err := env.credentials.GetCredential(ctx, "corp", "alice")
	require.True(t, trace.IsNotFound(err))
}

func TestVerifyScoreAtThresholdPasses(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.enroll(t, "corp", "alice", 42)

	env.matcher.score = 0.5
	outcome, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage()},
	})
	require.NoError(t, err)
	require.True(t, outcome.Matched)
}

func TestVerifyBelowThreshold(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.enroll(t, "corp", "alice", 42)

	env.matcher.score = 0.49
	outcome, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage()},
	})
	require.NoError(t, err)
	require.False(t, outcome.Matched)
	require.Equal(t, ErrKindBelowThreshold, outcome.ErrorKind)

	// No bookkeeping on a failed match.
	record, err := env.credentials.GetCredential(t.Context(), "corp", "alice")
	require.NoError(t, err)
	require.True(t, record.LastVerifiedAt.IsZero())
}

func TestVerifyThresholdOverride(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.enroll(t, "corp", "alice", 42)

	env.matcher.score = 0.3
	override := 0.25
	outcome, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:             "corp",
		UserID:            "alice",
		Images:            []types.Image{jpegImage()},
		ThresholdOverride: &override,
	})
	require.NoError(t, err)
	require.True(t, outcome.Matched)
	require.Equal(t, 0.25, outcome.Threshold)

	bad := 1.5
	_, err = env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:             "corp",
		UserID:            "alice",
		Images:            []types.Image{jpegImage()},
		ThresholdOverride: &bad,
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestVerifyNotEnrolled(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	_, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "nobody",
		Images: []types.Image{jpegImage()},
	})
	require.True(t, trace.IsNotFound(err))
	require.Zero(t, env.matcher.calls)
}

func TestVerifyExpiredCredential(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.enroll(t, "corp", "alice", 42)

	env.clock.Advance(731 * 24 * time.Hour)
	_, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage()},
	})
	require.True(t, trace.IsAccessDenied(err))
	require.Zero(t, env.matcher.calls)
}

func TestVerifyLivenessShortCircuit(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.enroll(t, "corp", "alice", 42)

	env.gate.outcome = &types.LivenessOutcome{
		Alive:     false,
		Score:     0.2,
		Mode:      types.LivenessModePassive,
		ErrorKind: liveness.ErrKindSpoofSuspected,
	}
	outcome, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage()},
	})
	require.NoError(t, err)
	require.False(t, outcome.Matched)
	require.Equal(t, ErrKindLivenessFailed, outcome.ErrorKind)
	require.NotNil(t, outcome.Liveness)
	// The match call never happens after a failed gate.
	require.Zero(t, env.matcher.calls)
}

func TestVerifyLivenessDisabled(t *testing.T) {
	t.Parallel()
	env := newEnv(t, func(cfg *config.Config) {
		cfg.LivenessEnabled = false
	})
	env.enroll(t, "corp", "alice", 42)

	outcome, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage()},
	})
	require.NoError(t, err)
	require.True(t, outcome.Matched)
	require.Nil(t, outcome.Liveness)
	require.Zero(t, env.gate.calls)
}

func TestVerifyMultiImage(t *testing.T) {
	t.Parallel()
	env := newEnv(t, func(cfg *config.Config) {
		cfg.LivenessEnabled = false
	})
	env.enroll(t, "corp", "alice", 42)

	outcome, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage(), jpegImage(), jpegImage()},
	})
	require.NoError(t, err)
	require.True(t, outcome.Matched)
	require.True(t, env.matcher.multi)
}

func TestVerifyBusinessError(t *testing.T) {
	t.Parallel()
	env := newEnv(t, func(cfg *config.Config) {
		cfg.LivenessEnabled = false
	})
	env.enroll(t, "corp", "alice", 42)

	env.matcher.err = &bws.BusinessError{Code: bws.CodeFaceNotFound}
	_, err := env.workflow.Run(t.Context(), &types.VerificationRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage()},
	})
	require.Error(t, err)
	require.Equal(t, bws.CodeFaceNotFound, bws.AsBusinessError(err).Code)
}
