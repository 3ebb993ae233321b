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

// Package liveness implements spoof detection: mode selection, the BWS
// liveness call, score gating and the single-use challenge-response
// registry.
package liveness

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/bws"
	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/lib/events"
	"github.com/gravitational/faceauth/types"
)

// Error kinds reported on failed liveness outcomes.
const (
	// ErrKindSpoofSuspected is the service's spoof verdict.
	ErrKindSpoofSuspected = "spoof_suspected"
	// ErrKindLowConfidence means the service said alive but under the
	// configured confidence threshold.
	ErrKindLowConfidence = "low_confidence"
	// ErrKindChallengeMismatch means the captures did not show the
	// requested head movements.
	ErrKindChallengeMismatch = "challenge_mismatch"
	// ErrKindOverhead means the service took longer than the mode's
	// processing budget, so the decision is too stale to trust.
	ErrKindOverhead = "overhead"
)

// Detector is the slice of the BWS client the engine calls.
type Detector interface {
	// Liveness runs spoof detection over the captures.
	Liveness(ctx context.Context, images []types.Image, mode types.LivenessMode, tags []string) (*bws.LivenessResult, error)
}

// Config configures the liveness engine.
type Config struct {
	// BWS performs the liveness detection.
	BWS Detector
	// Settings is the live configuration snapshot store.
	Settings *config.Store
	// Emitter receives audit events.
	Emitter events.Emitter
	// Clock is used for challenge deadlines.
	Clock clockwork.Clock
	// Logger logs engine activity.
	Logger *slog.Logger
	// RegistrySize bounds the outstanding challenge registry.
	RegistrySize int
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.BWS == nil {
		return trace.BadParameter("missing parameter BWS")
	}
	if c.Settings == nil {
		return trace.BadParameter("missing parameter Settings")
	}
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentLiveness)
	}
	if c.RegistrySize == 0 {
		c.RegistrySize = defaults.ChallengeRegistrySize
	}
	return nil
}

// CheckRequest asks the engine for a liveness decision over a capture
// set.
type CheckRequest struct {
	// Realm scopes the audit event.
	Realm string
	// UserID is the subject, for auditing only.
	UserID string
	// Images are the captures, owned by the caller.
	Images []types.Image
	// Mode forces a liveness mode; empty selects per configuration.
	Mode types.LivenessMode
	// RiskLevel feeds adaptive mode selection when Mode is empty.
	RiskLevel types.RiskLevel
	// ChallengeNonce references a minted challenge for the
	// challenge-response mode.
	ChallengeNonce string
	// SessionID ties the audit event to a host session.
	SessionID string
}

// Engine runs liveness checks and owns the challenge registry.
type Engine struct {
	cfg        Config
	challenges *lru.LRU[string, *types.LivenessChallenge]
}

// NewEngine creates a liveness engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	// The registry TTL is a backstop; the authoritative expiry is the
	// per-challenge deadline checked against the engine clock.
	registry := lru.NewLRU[string, *types.LivenessChallenge](
		cfg.RegistrySize, nil, 2*cfg.Settings.Current().LivenessChallengeTimeout())
	return &Engine{cfg: cfg, challenges: registry}, nil
}

// NewChallenge mints a single-use challenge-response prompt: distinct
// random head movements and a nonce that is consumed on first submission.
func (e *Engine) NewChallenge(ctx context.Context) (*types.LivenessChallenge, error) {
	cfg := e.cfg.Settings.Current()
	if !cfg.LivenessEnabled || !cfg.ModeEnabled(types.LivenessModeChallengeResponse) {
		return nil, trace.BadParameter("challenge-response liveness is disabled")
	}
	count := cfg.LivenessChallengeCount
	pool := make([]types.Direction, len(types.Directions))
	copy(pool, types.Directions)
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	challenge := &types.LivenessChallenge{
		Nonce:      uuid.NewString(),
		Directions: pool[:count],
		Deadline:   e.cfg.Clock.Now().UTC().Add(cfg.LivenessChallengeTimeout()),
	}
	e.challenges.Add(challenge.Nonce, challenge)
	challengesMinted.Inc()
	return challenge, nil
}

// Check runs a liveness decision. A failed check is not an error: the
// outcome carries Alive=false and the classified reason. Errors mean the
// decision could not be made at all.
func (e *Engine) Check(ctx context.Context, req *CheckRequest) (*types.LivenessOutcome, error) {
	cfg := e.cfg.Settings.Current()
	if !cfg.LivenessEnabled {
		return nil, trace.BadParameter("liveness detection is disabled")
	}
	mode, err := e.selectMode(cfg, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	images := req.Images
	minImages, maxImages := mode.ImageBounds()
	if len(images) < minImages {
		return nil, trace.BadParameter("liveness mode %q requires at least %d images, got %d", mode, minImages, len(images))
	}
	if len(images) > maxImages {
		images = images[:maxImages]
	}

	var tags []string
	if mode == types.LivenessModeChallengeResponse {
		challenge, err := e.consumeChallenge(req.ChallengeNonce)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := checkChallengeTags(challenge, images); err != nil {
			outcome := &types.LivenessOutcome{Mode: mode, ErrorKind: ErrKindChallengeMismatch}
			e.finish(ctx, req, outcome)
			return outcome, nil
		}
		for _, d := range challenge.Directions {
			tags = append(tags, string(d))
		}
	}

	budget := modeBudget(cfg, mode)
	ctx, cancel := context.WithTimeout(ctx, defaults.LivenessDeadline+budget)
	defer cancel()

	result, err := e.cfg.BWS.Liveness(ctx, images, mode, tags)
	if err != nil {
		livenessChecks.WithLabelValues(string(mode), "error").Inc()
		return nil, trace.Wrap(err)
	}
	overBudget := result.ProcessingTime > budget
	if overBudget {
		e.cfg.Logger.WarnContext(ctx, "Liveness processing exceeded its mode budget.",
			"mode", mode, "processing_time", result.ProcessingTime, "budget", budget)
		budgetOverruns.WithLabelValues(string(mode)).Inc()
	}

	// Alive requires the service verdict, the confidence gate and the
	// processing budget all to hold.
	outcome := &types.LivenessOutcome{
		Alive:          result.Alive && result.Score >= cfg.LivenessConfidenceThreshold && !overBudget,
		Score:          result.Score,
		Mode:           mode,
		ProcessingTime: result.ProcessingTime,
	}
	switch {
	case !result.Alive && result.RejectionCode != "":
		outcome.ErrorKind = result.RejectionCode
	case !result.Alive:
		outcome.ErrorKind = ErrKindSpoofSuspected
	case result.Score < cfg.LivenessConfidenceThreshold:
		outcome.ErrorKind = ErrKindLowConfidence
	case overBudget:
		outcome.ErrorKind = ErrKindOverhead
	}
	e.finish(ctx, req, outcome)
	return outcome, nil
}

// selectMode resolves the effective mode: an explicit request wins, then
// adaptive risk mapping, then the configured default. The resolved mode
// must be enabled; an adaptive pick that is disabled falls back to the
// default.
func (e *Engine) selectMode(cfg *config.Config, req *CheckRequest) (types.LivenessMode, error) {
	if req.Mode != "" {
		if err := req.Mode.Check(); err != nil {
			return "", trace.Wrap(err)
		}
		if !cfg.ModeEnabled(req.Mode) {
			return "", trace.BadParameter("liveness mode %q is disabled", req.Mode)
		}
		return req.Mode, nil
	}
	if cfg.LivenessAdaptiveMode && req.RiskLevel != "" {
		mode := riskModes[req.RiskLevel]
		if mode == "" {
			return "", trace.BadParameter("unsupported risk level %q", req.RiskLevel)
		}
		if cfg.ModeEnabled(mode) {
			return mode, nil
		}
	}
	if !cfg.ModeEnabled(cfg.LivenessDefaultMode) {
		return "", trace.BadParameter("default liveness mode %q is disabled", cfg.LivenessDefaultMode)
	}
	return cfg.LivenessDefaultMode, nil
}

var riskModes = map[types.RiskLevel]types.LivenessMode{
	types.RiskLow:      types.LivenessModePassive,
	types.RiskMedium:   types.LivenessModeActive,
	types.RiskHigh:     types.LivenessModeChallengeResponse,
	types.RiskVeryHigh: types.LivenessModeCombined,
}

// consumeChallenge removes and returns the challenge behind a nonce. A
// nonce is spent on first use whatever the outcome, so a replayed
// submission cannot ride an earlier prompt.
func (e *Engine) consumeChallenge(nonce string) (*types.LivenessChallenge, error) {
	if nonce == "" {
		return nil, trace.BadParameter("challenge-response liveness requires a challenge nonce")
	}
	challenge, ok := e.challenges.Get(nonce)
	e.challenges.Remove(nonce)
	if !ok {
		return nil, trace.NotFound("liveness challenge %q is unknown or already used", nonce)
	}
	if e.cfg.Clock.Now().After(challenge.Deadline) {
		return nil, trace.LimitExceeded("liveness challenge %q expired", nonce)
	}
	return challenge, nil
}

// checkChallengeTags verifies the captures claim exactly the requested
// movements, in prompt order.
func checkChallengeTags(challenge *types.LivenessChallenge, images []types.Image) error {
	if len(images) != len(challenge.Directions) {
		return trace.BadParameter("challenge expects %d captures, got %d", len(challenge.Directions), len(images))
	}
	for i, direction := range challenge.Directions {
		if images[i].Tag != direction {
			return trace.BadParameter("capture %d is tagged %q, challenge requested %q", i, images[i].Tag, direction)
		}
	}
	return nil
}

// modeBudget returns the processing budget for a mode. The configured
// overhead ceiling governs the passive mode directly; the richer modes
// pay for their extra captures with proportionally larger budgets,
// keeping the 200/500/1000ms ratio of the defaults.
func modeBudget(cfg *config.Config, mode types.LivenessMode) time.Duration {
	base := cfg.LivenessMaxOverhead()
	switch mode {
	case types.LivenessModeActive:
		return base * 5 / 2
	case types.LivenessModeChallengeResponse, types.LivenessModeCombined:
		return base * 5
	}
	return base
}

func (e *Engine) finish(ctx context.Context, req *CheckRequest, outcome *types.LivenessOutcome) {
	result := "pass"
	code := events.LivenessPassCode
	if !outcome.Alive {
		result = "fail"
		code = events.LivenessFailCode
	}
	livenessChecks.WithLabelValues(string(outcome.Mode), result).Inc()

	event := &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.LivenessEvent,
			Code:  code,
			Time:  e.cfg.Clock.Now().UTC(),
			Realm: req.Realm,
		},
		User:      req.UserID,
		Actor:     req.UserID,
		SessionID: req.SessionID,
		Outcome:   events.Outcome{Success: outcome.Alive, Error: outcome.ErrorKind},
		Fields: map[string]any{
			"mode":  string(outcome.Mode),
			"score": outcome.Score,
		},
	}
	if err := e.cfg.Emitter.EmitAuditEvent(ctx, event); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to emit liveness audit event.", "error", err)
	}
}
