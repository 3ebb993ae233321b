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

package liveness

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/faceauth/lib/bws"
	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/types"
)

type fakeDetector struct {
	result *bws.LivenessResult
	err    error

	lastMode   types.LivenessMode
	lastImages []types.Image
	lastTags   []string
	calls      int
}

func (f *fakeDetector) Liveness(ctx context.Context, images []types.Image, mode types.LivenessMode, tags []string) (*bws.LivenessResult, error) {
	f.calls++
	f.lastMode = mode
	f.lastImages = images
	f.lastTags = tags
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func jpegImage(tag types.Direction) types.Image {
	return types.Image{
		Data:  append([]byte{0xff, 0xd8, 0xff}, bytes.Repeat([]byte{0xcd}, 2048)...),
		Codec: types.ImageCodecJPEG,
		Tag:   tag,
	}
}

type env struct {
	engine   *Engine
	detector *fakeDetector
	clock    *clockwork.FakeClock
	store    *config.Store
}

func newEnv(t *testing.T, mutate func(cfg *config.Config)) *env {
	clock := clockwork.NewFakeClock()
	cfg := config.NewDefault()
	cfg.ClientID = "partition-1"
	cfg.SecretKey = "secret"
	cfg.PreferredRegion = "EU"
	if mutate != nil {
		mutate(cfg)
	}
	store, err := config.NewStore(cfg)
	require.NoError(t, err)

	detector := &fakeDetector{result: &bws.LivenessResult{
		Alive:          true,
		Score:          0.9,
		ProcessingTime: 50 * time.Millisecond,
	}}
	engine, err := NewEngine(Config{
		BWS:      detector,
		Settings: store,
		Clock:    clock,
	})
	require.NoError(t, err)
	return &env{engine: engine, detector: detector, clock: clock, store: store}
}

func TestCheckPassiveMode(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	outcome, err := env.engine.Check(t.Context(), &CheckRequest{
		Realm:  "corp",
		UserID: "alice",
		Images: []types.Image{jpegImage("")},
	})
	require.NoError(t, err)
	require.True(t, outcome.Alive)
	require.Equal(t, types.LivenessModePassive, outcome.Mode)
	require.Empty(t, outcome.ErrorKind)
}

func TestCheckConfidenceGate(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	// Service says alive but under the configured confidence threshold.
	env.detector.result.Score = 0.3
	outcome, err := env.engine.Check(t.Context(), &CheckRequest{
		Images: []types.Image{jpegImage("")},
	})
	require.NoError(t, err)
	require.False(t, outcome.Alive)
	require.Equal(t, ErrKindLowConfidence, outcome.ErrorKind)
}

func TestCheckOverheadGate(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	// Service says alive with a confident score, but took far longer
	// than the passive budget. The decision is too stale to trust.
	env.detector.result.ProcessingTime = 5 * time.Second
	outcome, err := env.engine.Check(t.Context(), &CheckRequest{
		Images: []types.Image{jpegImage("")},
	})
	require.NoError(t, err)
	require.False(t, outcome.Alive)
	require.Equal(t, ErrKindOverhead, outcome.ErrorKind)

	// Landing exactly on the budget passes.
	env.detector.result.ProcessingTime = env.store.Current().LivenessMaxOverhead()
	outcome, err = env.engine.Check(t.Context(), &CheckRequest{
		Images: []types.Image{jpegImage("")},
	})
	require.NoError(t, err)
	require.True(t, outcome.Alive)
	require.Empty(t, outcome.ErrorKind)
}

func TestCheckOverheadBudgetIsConfigurable(t *testing.T) {
	t.Parallel()
	env := newEnv(t, func(cfg *config.Config) {
		cfg.LivenessMaxOverheadMs = 1000
	})

	// 800ms overruns the stock 200ms passive budget but fits a raised one.
	env.detector.result.ProcessingTime = 800 * time.Millisecond
	outcome, err := env.engine.Check(t.Context(), &CheckRequest{
		Images: []types.Image{jpegImage("")},
	})
	require.NoError(t, err)
	require.True(t, outcome.Alive)
}

func TestCheckSpoofRejection(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	env.detector.result = &bws.LivenessResult{
		Alive:         false,
		Score:         0.1,
		RejectionCode: bws.CodeRejectedByPassive,
	}
	outcome, err := env.engine.Check(t.Context(), &CheckRequest{
		Images: []types.Image{jpegImage("")},
	})
	require.NoError(t, err)
	require.False(t, outcome.Alive)
	require.Equal(t, bws.CodeRejectedByPassive, outcome.ErrorKind)
}

func TestModeSelection(t *testing.T) {
	t.Parallel()

	two := []types.Image{jpegImage(""), jpegImage("")}
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		req    CheckRequest
		want   types.LivenessMode
	}{
		{
			name: "explicit mode wins",
			req:  CheckRequest{Mode: types.LivenessModeActive, Images: two},
			want: types.LivenessModeActive,
		},
		{
			name: "adaptive maps medium risk to active",
			mutate: func(cfg *config.Config) {
				cfg.LivenessAdaptiveMode = true
			},
			req:  CheckRequest{RiskLevel: types.RiskMedium, Images: two},
			want: types.LivenessModeActive,
		},
		{
			name: "adaptive maps very high risk to combined",
			mutate: func(cfg *config.Config) {
				cfg.LivenessAdaptiveMode = true
			},
			req:  CheckRequest{RiskLevel: types.RiskVeryHigh, Images: two},
			want: types.LivenessModeCombined,
		},
		{
			name: "adaptive disabled pick falls back to default",
			mutate: func(cfg *config.Config) {
				cfg.LivenessAdaptiveMode = true
				cfg.LivenessActiveEnabled = false
			},
			req:  CheckRequest{RiskLevel: types.RiskMedium, Images: two},
			want: types.LivenessModePassive,
		},
		{
			name: "default when nothing requested",
			req:  CheckRequest{Images: two},
			want: types.LivenessModePassive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, tt.mutate)
			_, err := env.engine.Check(t.Context(), &tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.want, env.detector.lastMode)
		})
	}
}

func TestCheckRejectsDisabledMode(t *testing.T) {
	t.Parallel()
	env := newEnv(t, func(cfg *config.Config) {
		cfg.LivenessActiveEnabled = false
	})

	_, err := env.engine.Check(t.Context(), &CheckRequest{
		Mode:   types.LivenessModeActive,
		Images: []types.Image{jpegImage(""), jpegImage("")},
	})
	require.True(t, trace.IsBadParameter(err))
	require.Zero(t, env.detector.calls)
}

func TestCheckImageBounds(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	// Active needs two captures.
	_, err := env.engine.Check(t.Context(), &CheckRequest{
		Mode:   types.LivenessModeActive,
		Images: []types.Image{jpegImage("")},
	})
	require.True(t, trace.IsBadParameter(err))

	// Extra captures are clipped to the mode maximum.
	_, err = env.engine.Check(t.Context(), &CheckRequest{
		Images: []types.Image{jpegImage(""), jpegImage(""), jpegImage("")},
	})
	require.NoError(t, err)
	require.Len(t, env.detector.lastImages, 1)
}

func TestChallengeRoundTrip(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()

	challenge, err := env.engine.NewChallenge(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, challenge.Nonce)
	require.Len(t, challenge.Directions, 2)
	require.NotEqual(t, challenge.Directions[0], challenge.Directions[1])

	outcome, err := env.engine.Check(ctx, &CheckRequest{
		Mode:           types.LivenessModeChallengeResponse,
		ChallengeNonce: challenge.Nonce,
		Images: []types.Image{
			jpegImage(challenge.Directions[0]),
			jpegImage(challenge.Directions[1]),
		},
	})
	require.NoError(t, err)
	require.True(t, outcome.Alive)
	// The claimed movements are forwarded to the service.
	require.Equal(t, []string{string(challenge.Directions[0]), string(challenge.Directions[1])}, env.detector.lastTags)
}

func TestChallengeSingleUse(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()

	challenge, err := env.engine.NewChallenge(ctx)
	require.NoError(t, err)

	images := []types.Image{
		jpegImage(challenge.Directions[0]),
		jpegImage(challenge.Directions[1]),
	}
	_, err = env.engine.Check(ctx, &CheckRequest{
		Mode:           types.LivenessModeChallengeResponse,
		ChallengeNonce: challenge.Nonce,
		Images:         images,
	})
	require.NoError(t, err)

	// Replaying the nonce fails even with identical captures.
	_, err = env.engine.Check(ctx, &CheckRequest{
		Mode:           types.LivenessModeChallengeResponse,
		ChallengeNonce: challenge.Nonce,
		Images:         images,
	})
	require.True(t, trace.IsNotFound(err))
}

func TestChallengeExpiry(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()

	challenge, err := env.engine.NewChallenge(ctx)
	require.NoError(t, err)

	env.clock.Advance(31 * time.Second)
	_, err = env.engine.Check(ctx, &CheckRequest{
		Mode:           types.LivenessModeChallengeResponse,
		ChallengeNonce: challenge.Nonce,
		Images: []types.Image{
			jpegImage(challenge.Directions[0]),
			jpegImage(challenge.Directions[1]),
		},
	})
	require.True(t, trace.IsLimitExceeded(err))
	require.Zero(t, env.detector.calls)
}

func TestChallengeMismatchFailsClosed(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	ctx := t.Context()

	challenge, err := env.engine.NewChallenge(ctx)
	require.NoError(t, err)

	// Captures tagged in the wrong order do not reach the service.
	outcome, err := env.engine.Check(ctx, &CheckRequest{
		Mode:           types.LivenessModeChallengeResponse,
		ChallengeNonce: challenge.Nonce,
		Images: []types.Image{
			jpegImage(challenge.Directions[1]),
			jpegImage(challenge.Directions[0]),
		},
	})
	require.NoError(t, err)
	require.False(t, outcome.Alive)
	require.Equal(t, ErrKindChallengeMismatch, outcome.ErrorKind)
	require.Zero(t, env.detector.calls)
}

func TestCheckMissingNonce(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	_, err := env.engine.Check(t.Context(), &CheckRequest{
		Mode: types.LivenessModeChallengeResponse,
		Images: []types.Image{
			jpegImage(types.DirectionUp),
			jpegImage(types.DirectionDown),
		},
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestCheckDisabledLiveness(t *testing.T) {
	t.Parallel()
	env := newEnv(t, func(cfg *config.Config) {
		cfg.LivenessEnabled = false
	})

	_, err := env.engine.Check(t.Context(), &CheckRequest{
		Images: []types.Image{jpegImage("")},
	})
	require.True(t, trace.IsBadParameter(err))
}
