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

// Package enroll implements the enrollment workflow: capture validation,
// template id allocation, the BWS enroll call and the credential record
// write. Captures are never persisted; they live for the duration of a
// single Run call.
package enroll

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/bws"
	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/lib/events"
	"github.com/gravitational/faceauth/lib/services"
	"github.com/gravitational/faceauth/types"
)

// TemplateEnroller is the slice of the BWS client the workflow calls.
type TemplateEnroller interface {
	// Enroll builds or rebuilds the template from the captures.
	Enroll(ctx context.Context, templateID types.TemplateID, images []types.Image, tags []string) (*bws.EnrollResult, error)
}

// Config configures the enrollment workflow.
type Config struct {
	// Credentials persists credential records and id reservations.
	Credentials services.CredentialStore
	// BWS performs the template enrollment.
	BWS TemplateEnroller
	// Lock serializes enrollments per user.
	Lock *services.UserLock
	// Random generates template id candidates.
	Random services.RandomSource
	// Settings is the live configuration snapshot store.
	Settings *config.Store
	// Emitter receives audit events.
	Emitter events.Emitter
	// Clock is used for timestamps and expiry.
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
	if c.Lock == nil {
		c.Lock = services.NewUserLock()
	}
	if c.Random == nil {
		c.Random = services.CryptoRandomSource
	}
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentEnroll)
	}
	return nil
}

// Result is the outcome of a completed enrollment.
type Result struct {
	// Action reports whether the template was created or rebuilt.
	Action types.EnrollAction
	// Record is the stored credential record.
	Record *types.CredentialRecord
}

// Workflow runs enrollments.
type Workflow struct {
	cfg Config
}

// NewWorkflow creates an enrollment workflow.
func NewWorkflow(cfg Config) (*Workflow, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Workflow{cfg: cfg}, nil
}

// Run enrolls a user from a capture set. An existing credential keeps its
// template id and gets its template rebuilt; a concurrent enrollment for
// the same user fails fast with AlreadyExists.
func (w *Workflow) Run(ctx context.Context, req *types.EnrollmentRequest) (*Result, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := w.cfg.Settings.Current()
	if err := w.checkImages(cfg, req.Images); err != nil {
		return nil, trace.Wrap(err)
	}

	release, err := w.cfg.Lock.TryAcquire(req.Realm, req.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, cfg.EnrollmentTimeout())
	defer cancel()

	start := w.cfg.Clock.Now()
	result, err := w.run(ctx, cfg, req)
	enrollmentSeconds.Observe(w.cfg.Clock.Since(start).Seconds())
	if err != nil {
		enrollments.WithLabelValues("failure", "").Inc()
		w.emit(ctx, req, nil, err)
		return nil, trace.Wrap(err)
	}
	enrollments.WithLabelValues("success", string(result.Action)).Inc()
	w.emit(ctx, req, result, nil)
	return result, nil
}

func (w *Workflow) checkImages(cfg *config.Config, images []types.Image) error {
	if len(images) < defaults.EnrollmentMinImages {
		return trace.BadParameter("enrollment requires at least %d images, got %d", defaults.EnrollmentMinImages, len(images))
	}
	if len(images) > cfg.EnrollmentMaxImages {
		return trace.BadParameter("enrollment accepts at most %d images, got %d", cfg.EnrollmentMaxImages, len(images))
	}
	for i := range images {
		if err := images[i].CheckWithBounds(defaults.ImageMinSize, defaults.ImageMaxSize); err != nil {
			return trace.Wrap(err, "image %d", i)
		}
	}
	return nil
}

func (w *Workflow) run(ctx context.Context, cfg *config.Config, req *types.EnrollmentRequest) (*Result, error) {
	existing, err := w.cfg.Credentials.GetCredential(ctx, req.Realm, req.UserID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	var templateID types.TemplateID
	var reserved bool
	if existing != nil {
		templateID = existing.TemplateID
	} else {
		templateID, err = w.allocateTemplateID(ctx, req.Realm, req.UserID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		reserved = true
	}

	enrolled, err := w.cfg.BWS.Enroll(ctx, templateID, req.Images, req.Tags)
	if err != nil {
		if reserved {
			if rerr := w.cfg.Credentials.ReleaseTemplateID(ctx, templateID); rerr != nil {
				w.cfg.Logger.WarnContext(ctx, "Failed to release template id after failed enrollment.",
					"template_id", templateID, "error", rerr)
			}
		}
		return nil, trace.Wrap(err)
	}

	now := w.cfg.Clock.Now().UTC()
	record := &types.CredentialRecord{
		TemplateID:         templateID,
		CreatedAt:          now,
		ExpiresAt:          now.Add(cfg.TemplateTTL()),
		ImageCount:         len(req.Images),
		EncoderVersion:     enrolled.EncoderVersion,
		FeatureVectorCount: enrolled.FeatureVectors,
		ThumbnailsStored:   enrolled.ThumbnailsStored,
		Tags:               req.Tags,
		TemplateKind:       types.TemplateKindStandard,
	}
	if enrolled.ThumbnailsStored {
		record.TemplateKind = types.TemplateKindFull
	}
	action := types.EnrollActionCreated
	if existing != nil {
		// A rebuilt credential keeps its enrollment date; the template
		// id never changes under an update.
		record.CreatedAt = existing.CreatedAt
		action = enrolled.Action
		if action == types.EnrollActionCreated {
			action = types.EnrollActionUpdated
		}
	}
	if err := w.cfg.Credentials.UpsertCredential(ctx, req.Realm, req.UserID, record); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Result{Action: action, Record: record}, nil
}

// allocateTemplateID draws random 63-bit ids until one reserves cleanly.
// Collisions are vanishingly rare, so a handful of retries is plenty.
func (w *Workflow) allocateTemplateID(ctx context.Context, realm, userID string) (types.TemplateID, error) {
	for attempt := 0; attempt < defaults.TemplateIDAllocationRetries; attempt++ {
		v, err := w.cfg.Random()
		if err != nil {
			return 0, trace.Wrap(err)
		}
		id := types.TemplateID(v)
		err = w.cfg.Credentials.ReserveTemplateID(ctx, id, realm, userID)
		if err == nil {
			return id, nil
		}
		if !trace.IsAlreadyExists(err) {
			return 0, trace.Wrap(err)
		}
	}
	return 0, trace.LimitExceeded("failed to allocate a template id after %d attempts", defaults.TemplateIDAllocationRetries)
}

func (w *Workflow) emit(ctx context.Context, req *types.EnrollmentRequest, result *Result, runErr error) {
	event := &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.EnrollEvent,
			Code:  events.EnrollSuccessCode,
			Time:  w.cfg.Clock.Now().UTC(),
			Realm: req.Realm,
		},
		User:  req.UserID,
		Actor: req.UserID,
		Fields: map[string]any{
			"image_count": len(req.Images),
		},
		Outcome: events.Outcome{Success: runErr == nil},
	}
	if runErr != nil {
		event.Code = events.EnrollFailureCode
		event.Outcome.Error = classifyError(runErr)
	} else {
		event.Fields["template_id"] = result.Record.TemplateID.String()
		event.Fields["action"] = string(result.Action)
		event.Fields["encoder_version"] = result.Record.EncoderVersion
	}
	if err := w.cfg.Emitter.EmitAuditEvent(ctx, event); err != nil {
		w.cfg.Logger.WarnContext(ctx, "Failed to emit enrollment audit event.", "error", err)
	}
}

// classifyError reduces a workflow error to a stable audit label.
func classifyError(err error) string {
	if be := bws.AsBusinessError(err); be != nil {
		return be.Code
	}
	switch {
	case trace.IsBadParameter(err):
		return "invalid_request"
	case trace.IsAlreadyExists(err):
		return "conflict"
	case trace.IsNotFound(err):
		return "not_found"
	case trace.IsConnectionProblem(err):
		return "service_unavailable"
	case trace.IsLimitExceeded(err):
		return "limit_exceeded"
	}
	return "internal_error"
}
