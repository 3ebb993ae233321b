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

// Package verify implements one-to-one verification: liveness gating,
// the BWS match call, the threshold decision and the last-verified
// bookkeeping.
package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/bws"
	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/lib/events"
	"github.com/gravitational/faceauth/lib/liveness"
	"github.com/gravitational/faceauth/lib/services"
	"github.com/gravitational/faceauth/types"
)

// Error kinds reported on failed verification outcomes.
const (
	// ErrKindBelowThreshold means the match score did not reach the
	// effective threshold.
	ErrKindBelowThreshold = "below_threshold"
	// ErrKindLivenessFailed means the liveness gate rejected the attempt
	// before any matching happened.
	ErrKindLivenessFailed = "liveness_failed"
)

// Matcher is the slice of the BWS client the workflow calls.
type Matcher interface {
	// Verify matches a single capture against the template.
	Verify(ctx context.Context, templateID types.TemplateID, image types.Image) (*bws.VerifyResult, error)
	// VerifyMulti matches several captures against the template.
	VerifyMulti(ctx context.Context, templateID types.TemplateID, images []types.Image) (*bws.VerifyResult, error)
}

// LivenessGate runs the spoof check ahead of matching.
type LivenessGate interface {
	// Check runs a liveness decision over the captures.
	Check(ctx context.Context, req *liveness.CheckRequest) (*types.LivenessOutcome, error)
}

// Config configures the verification workflow.
type Config struct {
	// Credentials resolves users to credential records.
	Credentials services.CredentialStore
	// BWS performs the template matching.
	BWS Matcher
	// Liveness gates attempts when liveness is enabled.
	Liveness LivenessGate
	// Settings is the live configuration snapshot store.
	Settings *config.Store
	// Lock serializes credential mutations per (realm, user) with the
	// other workflows.
	Lock *services.UserLock
	// Emitter receives audit events.
	Emitter events.Emitter
	// Clock is used for timestamps and expiry checks.
	Clock clockwork.Clock
	// Logger logs workflow activity.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Credentials == nil {
		return trace.BadParameter("missing parameter Credentials")
	}
	if c.BWS == nil {
		return trace.BadParameter("missing parameter BWS")
	}
	if c.Settings == nil {
		return trace.BadParameter("missing parameter Settings")
	}
	if c.Liveness == nil && c.Settings.Current().LivenessEnabled {
		return trace.BadParameter("missing parameter Liveness with liveness enabled")
	}
	if c.Lock == nil {
		c.Lock = services.NewUserLock()
	}
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentVerify)
	}
	return nil
}

// Workflow runs verifications.
type Workflow struct {
	cfg Config
}

// NewWorkflow creates a verification workflow.
func NewWorkflow(cfg Config) (*Workflow, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Workflow{cfg: cfg}, nil
}

// Run verifies the captures against the user's enrolled template. A
// negative decision is not an error: the outcome reports Matched=false
// and the classified reason. Errors mean no decision could be made: the
// user is not enrolled, the credential expired, or BWS was unreachable.
func (w *Workflow) Run(ctx context.Context, req *types.VerificationRequest) (*types.VerificationOutcome, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := w.cfg.Settings.Current()
	for i := range req.Images {
		if err := req.Images[i].CheckWithBounds(defaults.ImageMinSize, defaults.ImageMaxSize); err != nil {
			return nil, trace.Wrap(err, "image %d", i)
		}
	}

	record, err := w.cfg.Credentials.GetCredential(ctx, req.Realm, req.UserID)
	if err != nil {
		w.emit(ctx, req, nil, err)
		return nil, trace.Wrap(err)
	}
	if record.Expired(w.cfg.Clock) {
		err := trace.AccessDenied("face credential of user %q expired %v", req.UserID, record.ExpiresAt.Format(time.RFC3339))
		w.emit(ctx, req, nil, err)
		return nil, err
	}

	threshold := cfg.VerificationThreshold
	if req.ThresholdOverride != nil {
		threshold = *req.ThresholdOverride
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.VerificationTimeout())
	defer cancel()

	start := w.cfg.Clock.Now()
	outcome, err := w.run(ctx, cfg, req, record, threshold)
	verificationSeconds.Observe(w.cfg.Clock.Since(start).Seconds())
	if err != nil {
		verifications.WithLabelValues("error").Inc()
		w.emit(ctx, req, nil, err)
		return nil, trace.Wrap(err)
	}
	if outcome.Matched {
		verifications.WithLabelValues("match").Inc()
	} else {
		verifications.WithLabelValues("no_match").Inc()
	}
	w.emit(ctx, req, outcome, nil)
	return outcome, nil
}

func (w *Workflow) run(ctx context.Context, cfg *config.Config, req *types.VerificationRequest, record *types.CredentialRecord, threshold float64) (*types.VerificationOutcome, error) {
	outcome := &types.VerificationOutcome{Threshold: threshold}

	// Liveness runs first so a spoofed capture never reaches matching.
	if cfg.LivenessEnabled {
		live, err := w.cfg.Liveness.Check(ctx, &liveness.CheckRequest{
			Realm:          req.Realm,
			UserID:         req.UserID,
			Images:         req.Images,
			Mode:           req.LivenessMode,
			RiskLevel:      req.RiskLevel,
			ChallengeNonce: req.ChallengeNonce,
			SessionID:      req.SessionID,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		outcome.Liveness = live
		if !live.Alive {
			outcome.ErrorKind = ErrKindLivenessFailed
			return outcome, nil
		}
	}

	var result *bws.VerifyResult
	var err error
	if len(req.Images) == 1 {
		result, err = w.cfg.BWS.Verify(ctx, record.TemplateID, req.Images[0])
	} else {
		result, err = w.cfg.BWS.VerifyMulti(ctx, record.TemplateID, req.Images)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	outcome.Score = result.Score
	matchScores.Observe(result.Score)
	// A score exactly at the threshold passes.
	outcome.Matched = result.Score >= threshold
	if !outcome.Matched {
		outcome.ErrorKind = ErrKindBelowThreshold
		return outcome, nil
	}

	// Bookkeeping only moves on success; a failed write does not undo an
	// authenticated match. The record is re-read under the user lock so a
	// stale write cannot resurrect a credential erased mid-verification,
	// and the write is skipped entirely while another workflow holds the
	// user.
	if release, lockErr := w.cfg.Lock.TryAcquire(req.Realm, req.UserID); lockErr == nil {
		defer release()
		current, err := w.cfg.Credentials.GetCredential(ctx, req.Realm, req.UserID)
		if err == nil && current.TemplateID == record.TemplateID {
			updated := current.Clone()
			updated.LastVerifiedAt = w.cfg.Clock.Now().UTC()
			if err := w.cfg.Credentials.UpsertCredential(ctx, req.Realm, req.UserID, updated); err != nil {
				w.cfg.Logger.WarnContext(ctx, "Failed to record verification time.", "user", req.UserID, "error", err)
			}
		}
	}
	return outcome, nil
}

func (w *Workflow) emit(ctx context.Context, req *types.VerificationRequest, outcome *types.VerificationOutcome, runErr error) {
	event := &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.VerifyEvent,
			Code:  events.VerifySuccessCode,
			Time:  w.cfg.Clock.Now().UTC(),
			Realm: req.Realm,
		},
		User:      req.UserID,
		Actor:     req.UserID,
		SessionID: req.SessionID,
		Fields:    map[string]any{"image_count": len(req.Images)},
	}
	switch {
	case runErr != nil:
		event.Code = events.VerifyFailureCode
		event.Outcome = events.Outcome{Error: classifyError(runErr)}
	case outcome.Matched:
		event.Outcome = events.Outcome{Success: true}
		event.Fields["score"] = outcome.Score
		event.Fields["threshold"] = outcome.Threshold
	default:
		event.Code = events.VerifyFailureCode
		event.Outcome = events.Outcome{Error: outcome.ErrorKind}
		event.Fields["score"] = outcome.Score
		event.Fields["threshold"] = outcome.Threshold
	}
	if err := w.cfg.Emitter.EmitAuditEvent(ctx, event); err != nil {
		w.cfg.Logger.WarnContext(ctx, "Failed to emit verification audit event.", "error", err)
	}
}

func classifyError(err error) string {
	if be := bws.AsBusinessError(err); be != nil {
		return be.Code
	}
	switch {
	case trace.IsNotFound(err):
		return "not_enrolled"
	case trace.IsAccessDenied(err):
		return "credential_expired"
	case trace.IsBadParameter(err):
		return "invalid_request"
	case trace.IsConnectionProblem(err):
		return "service_unavailable"
	}
	return "internal_error"
}
