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

// Package lifecycle manages stored templates after enrollment: status
// and health reporting, encoder upgrades, the expired credential sweep
// and the GDPR deletion request queue.
package lifecycle

import (
	"context"
	"fmt"
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
	"github.com/gravitational/faceauth/lib/services"
	"github.com/gravitational/faceauth/types"
)

// TemplateService is the slice of the BWS client the manager calls.
type TemplateService interface {
	// GetTemplateStatus returns a template snapshot.
	GetTemplateStatus(ctx context.Context, templateID types.TemplateID, includeThumbnails bool) (*types.TemplateStatus, error)
	// GetTemplateStatusBatch returns snapshots for many templates.
	GetTemplateStatusBatch(ctx context.Context, templateIDs []types.TemplateID, includeThumbnails bool) ([]types.TemplateStatus, error)
	// Enroll rebuilds a template, used by encoder upgrades.
	Enroll(ctx context.Context, templateID types.TemplateID, images []types.Image, tags []string) (*bws.EnrollResult, error)
	// DeleteTemplate removes a template; idempotent.
	DeleteTemplate(ctx context.Context, templateID types.TemplateID) (bws.DeleteOutcome, error)
}

// Config configures the lifecycle manager.
type Config struct {
	// Credentials resolves users to credential records.
	Credentials services.CredentialStore
	// Deletions is the deletion request queue.
	Deletions services.DeletionRequests
	// BWS performs the template-side operations.
	BWS TemplateService
	// Lock serializes credential mutations per (realm, user) with the
	// other workflows.
	Lock *services.UserLock
	// Settings is the live configuration snapshot store.
	Settings *config.Store
	// EncoderVersion is the current model generation; templates built
	// with an older one are reported as outdated. Empty disables the
	// classification.
	EncoderVersion string
	// Emitter receives audit events.
	Emitter events.Emitter
	// Clock drives sweeps, retries and expiry checks.
	Clock clockwork.Clock
	// Logger logs manager activity.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Credentials == nil {
		return trace.BadParameter("missing parameter Credentials")
	}
	if c.Deletions == nil {
		return trace.BadParameter("missing parameter Deletions")
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
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentLifecycle)
	}
	return nil
}

// Manager runs template lifecycle operations.
type Manager struct {
	cfg Config
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg}, nil
}

// Status returns the BWS snapshot of a user's template, never including
// thumbnails. Thumbnails only ever flow through Upgrade.
func (m *Manager) Status(ctx context.Context, realm, userID string) (*types.TemplateStatus, error) {
	record, err := m.cfg.Credentials.GetCredential(ctx, realm, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := m.cfg.BWS.GetTemplateStatus(ctx, record.TemplateID, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

// HealthReport classifies every credential of a realm (or of all realms
// when realm is empty) against the live BWS state.
func (m *Manager) HealthReport(ctx context.Context, realm string) ([]types.TemplateHealthEntry, error) {
	credentials, err := m.cfg.Credentials.ListCredentials(ctx, realm)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(credentials) == 0 {
		return nil, nil
	}
	ids := make([]types.TemplateID, 0, len(credentials))
	for _, cred := range credentials {
		ids = append(ids, cred.Record.TemplateID)
	}
	statuses, err := m.cfg.BWS.GetTemplateStatusBatch(ctx, ids, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	window := defaults.TemplateExpiringSoonWindow
	entries := make([]types.TemplateHealthEntry, 0, len(credentials))
	for i, cred := range credentials {
		entry := m.classify(&cred.Record, &statuses[i], window)
		entry.UserID = cred.UserID
		entries = append(entries, entry)
	}
	return entries, nil
}

// classify orders problems by severity: a template that is gone trumps
// any metadata disagreement, which trumps maintenance debt.
func (m *Manager) classify(record *types.CredentialRecord, status *types.TemplateStatus, window time.Duration) types.TemplateHealthEntry {
	entry := types.TemplateHealthEntry{TemplateID: record.TemplateID, Health: types.TemplateHealthy}
	now := m.cfg.Clock.Now()
	switch {
	case !status.Available:
		entry.Health = types.TemplateOrphaned
		entry.Detail = "credential references a template the service does not have"
	case status.EncoderVersion != record.EncoderVersion || status.FeatureVectorCount != record.FeatureVectorCount:
		entry.Health = types.TemplateSyncMismatch
		entry.Detail = fmt.Sprintf("stored encoder %q/%d vectors, service reports %q/%d",
			record.EncoderVersion, record.FeatureVectorCount, status.EncoderVersion, status.FeatureVectorCount)
	case m.cfg.EncoderVersion != "" && record.EncoderVersion != m.cfg.EncoderVersion:
		entry.Health = types.TemplateOutdatedEncoder
		entry.Detail = fmt.Sprintf("built with encoder %q, current is %q", record.EncoderVersion, m.cfg.EncoderVersion)
	case record.TemplateKind.SupportsUpgrade() && !status.ThumbnailsStored:
		entry.Health = types.TemplateMissingThumbnails
		entry.Detail = "template kind promises thumbnails but the service no longer has them"
	case record.ExpiresAt.Sub(now) < window:
		entry.Health = types.TemplateExpiringSoon
		entry.Detail = fmt.Sprintf("expires %v", record.ExpiresAt.Format(time.RFC3339))
	}
	return entry
}

// Upgrade re-enrolls a user's template with the current encoder from the
// thumbnails BWS stored at enrollment time. Thumbnails are zeroized
// before the call returns, success or not.
func (m *Manager) Upgrade(ctx context.Context, realm, userID string) (*types.CredentialRecord, error) {
	release, err := m.cfg.Lock.TryAcquire(realm, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()

	record, err := m.cfg.Credentials.GetCredential(ctx, realm, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	updated, err := m.upgrade(ctx, realm, userID, record)
	if err != nil {
		upgrades.WithLabelValues("failure").Inc()
		m.emitUpgrade(ctx, realm, userID, record, err)
		return nil, trace.Wrap(err)
	}
	upgrades.WithLabelValues("success").Inc()
	m.emitUpgrade(ctx, realm, userID, updated, nil)
	return updated, nil
}

func (m *Manager) upgrade(ctx context.Context, realm, userID string, record *types.CredentialRecord) (*types.CredentialRecord, error) {
	if !record.TemplateKind.SupportsUpgrade() {
		return nil, trace.BadParameter("template %v was enrolled without thumbnails and cannot be upgraded", record.TemplateID)
	}
	status, err := m.cfg.BWS.GetTemplateStatus(ctx, record.TemplateID, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer func() {
		for i := range status.Thumbnails {
			status.Thumbnails[i].Zeroize()
		}
	}()
	if !status.Available {
		return nil, trace.NotFound("template %v no longer exists in the service", record.TemplateID)
	}
	if len(status.Thumbnails) == 0 {
		return nil, trace.BadParameter("template %v has no stored thumbnails to upgrade from", record.TemplateID)
	}

	images := make([]types.Image, 0, len(status.Thumbnails))
	for _, thumb := range status.Thumbnails {
		images = append(images, types.Image{Data: thumb.Data, Codec: thumb.Codec})
	}
	enrolled, err := m.cfg.BWS.Enroll(ctx, record.TemplateID, images, record.Tags)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	updated := record.Clone()
	updated.EncoderVersion = enrolled.EncoderVersion
	updated.FeatureVectorCount = enrolled.FeatureVectors
	updated.ThumbnailsStored = enrolled.ThumbnailsStored
	// Expiry only ever moves forward under an upgrade.
	if renewed := m.cfg.Clock.Now().UTC().Add(m.cfg.Settings.Current().TemplateTTL()); renewed.After(updated.ExpiresAt) {
		updated.ExpiresAt = renewed
	}
	if err := m.cfg.Credentials.UpsertCredential(ctx, realm, userID, updated); err != nil {
		return nil, trace.Wrap(err)
	}
	return updated, nil
}

// SweepExpired removes credentials past their expiry: the BWS template
// first (idempotent), the credential record second. Returns the number
// of credentials removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	credentials, err := m.cfg.Credentials.ListCredentials(ctx, "")
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	for _, cred := range credentials {
		if !cred.Record.Expired(m.cfg.Clock) {
			continue
		}
		release, err := m.cfg.Lock.TryAcquire(cred.Realm, cred.UserID)
		if err != nil {
			// Another workflow holds the user; the next sweep gets it.
			m.cfg.Logger.DebugContext(ctx, "Skipping expired credential, user is busy.",
				"realm", cred.Realm, "user", cred.UserID)
			continue
		}
		if _, err := m.cfg.BWS.DeleteTemplate(ctx, cred.Record.TemplateID); err != nil {
			release()
			m.cfg.Logger.WarnContext(ctx, "Failed to delete expired template, will retry next sweep.",
				"template_id", cred.Record.TemplateID, "error", err)
			continue
		}
		if err := m.cfg.Credentials.DeleteCredential(ctx, cred.Realm, cred.UserID); err != nil && !trace.IsNotFound(err) {
			release()
			return removed, trace.Wrap(err)
		}
		release()
		removed++
		templatesCleaned.Inc()
		m.emitCleanup(ctx, cred)
	}
	return removed, nil
}

// RunMaintenance drives the periodic sweeps until the context is done:
// expired credentials, approved and retryable deletion requests, and
// stale pending request escalation.
func (m *Manager) RunMaintenance(ctx context.Context) {
	interval := m.cfg.Settings.Current().TemplateCleanupInterval()
	ticker := m.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if _, err := m.SweepExpired(ctx); err != nil {
			m.cfg.Logger.ErrorContext(ctx, "Expired credential sweep failed.", "error", err)
		}
		if _, err := m.ProcessDeletions(ctx); err != nil {
			m.cfg.Logger.ErrorContext(ctx, "Deletion request processing failed.", "error", err)
		}
		if _, err := m.EscalateStaleDeletions(ctx); err != nil {
			m.cfg.Logger.ErrorContext(ctx, "Deletion request escalation sweep failed.", "error", err)
		}
	}
}

func (m *Manager) emitUpgrade(ctx context.Context, realm, userID string, record *types.CredentialRecord, runErr error) {
	event := &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.TemplateUpgradeEvent,
			Code:  events.TemplateUpgradeCode,
			Time:  m.cfg.Clock.Now().UTC(),
			Realm: realm,
		},
		User:    userID,
		Outcome: events.Outcome{Success: runErr == nil},
		Fields:  map[string]any{"template_id": record.TemplateID.String()},
	}
	if runErr != nil {
		event.Code = events.TemplateUpgradeFailureCode
		event.Outcome.Error = runErr.Error()
	} else {
		event.Fields["encoder_version"] = record.EncoderVersion
	}
	m.emit(ctx, event)
}

func (m *Manager) emitCleanup(ctx context.Context, cred services.UserCredential) {
	m.emit(ctx, &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.TemplateCleanupEvent,
			Code:  events.TemplateCleanupCode,
			Time:  m.cfg.Clock.Now().UTC(),
			Realm: cred.Realm,
		},
		User:    cred.UserID,
		Outcome: events.Outcome{Success: true},
		Fields: map[string]any{
			"template_id": cred.Record.TemplateID.String(),
			"expired_at":  cred.Record.ExpiresAt.Format(time.RFC3339),
		},
	})
}

func (m *Manager) emit(ctx context.Context, event *events.AuditEvent) {
	if err := m.cfg.Emitter.EmitAuditEvent(ctx, event); err != nil {
		m.cfg.Logger.WarnContext(ctx, "Failed to emit lifecycle audit event.", "type", event.Type, "error", err)
	}
}
