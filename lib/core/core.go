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

// Package core assembles the engine: the BWS client, the credential
// store, the enrollment, verification, liveness, lifecycle and bulk
// components, and the audit pipeline. The hosting identity provider
// talks to a single Core value.
package core

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/backend"
	"github.com/gravitational/faceauth/lib/backend/lite"
	"github.com/gravitational/faceauth/lib/backend/memory"
	"github.com/gravitational/faceauth/lib/bulk"
	"github.com/gravitational/faceauth/lib/bws"
	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/lib/enroll"
	"github.com/gravitational/faceauth/lib/events"
	"github.com/gravitational/faceauth/lib/lifecycle"
	"github.com/gravitational/faceauth/lib/liveness"
	"github.com/gravitational/faceauth/lib/services"
	"github.com/gravitational/faceauth/lib/services/local"
	"github.com/gravitational/faceauth/lib/verify"
	"github.com/gravitational/faceauth/types"
)

// BWSClient is the full BWS operation surface the engine consumes.
// *bws.Client satisfies it; tests substitute fakes.
type BWSClient interface {
	Enroll(ctx context.Context, templateID types.TemplateID, images []types.Image, tags []string) (*bws.EnrollResult, error)
	Verify(ctx context.Context, templateID types.TemplateID, image types.Image) (*bws.VerifyResult, error)
	VerifyMulti(ctx context.Context, templateID types.TemplateID, images []types.Image) (*bws.VerifyResult, error)
	Liveness(ctx context.Context, images []types.Image, mode types.LivenessMode, tags []string) (*bws.LivenessResult, error)
	GetTemplateStatus(ctx context.Context, templateID types.TemplateID, includeThumbnails bool) (*types.TemplateStatus, error)
	GetTemplateStatusBatch(ctx context.Context, templateIDs []types.TemplateID, includeThumbnails bool) ([]types.TemplateStatus, error)
	DeleteTemplate(ctx context.Context, templateID types.TemplateID) (bws.DeleteOutcome, error)
	SetTemplateTags(ctx context.Context, templateID types.TemplateID, tags []string) error
	ServiceHealth(ctx context.Context) (*bws.ServiceHealth, error)
	Close() error
}

// Config configures a Core.
type Config struct {
	// Config is the validated engine configuration.
	Config *config.Config
	// DataDir is where persistent state lives. Empty keeps state in
	// memory, which loses credentials on restart.
	DataDir string
	// ConfigFile, when set, is watched while the engine runs: edits are
	// validated and swapped into the live snapshot.
	ConfigFile string
	// EncoderVersion is the current model generation; credentials built
	// with an older one are reported as outdated. Empty disables the
	// classification.
	EncoderVersion string
	// Emitter is the host's audit sink. Defaults to structured logging.
	Emitter events.Emitter
	// Backend overrides the storage backend in tests.
	Backend backend.Backend
	// BWS overrides the BWS client in tests.
	BWS BWSClient
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Logger logs engine activity.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Config == nil {
		return trace.BadParameter("missing parameter Config")
	}
	if err := c.Config.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Emitter == nil {
		c.Emitter = &events.SlogEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentCore)
	}
	return nil
}

// Core is the assembled engine.
type Core struct {
	cfg      Config
	settings *config.Store
	emitter  *events.AsyncEmitter

	backend     backend.Backend
	ownsBackend bool
	client      BWSClient
	ownsClient  bool

	credentials *local.CredentialService
	deletions   *local.DeletionRequestService
	bulkOps     *local.BulkOperationService

	// userLock serializes every credential mutation per (realm, user)
	// across enroll, upgrade, deletion and sweep paths.
	userLock *services.UserLock

	enroll    *enroll.Workflow
	verify    *verify.Workflow
	liveness  *liveness.Engine
	lifecycle *lifecycle.Manager
	bulk      *bulk.Engine
}

// New assembles a Core from the configuration. The caller owns the
// returned value and must Close it.
func New(cfg Config) (*Core, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	settings, err := config.NewStore(cfg.Config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	emitter, err := events.NewAsyncEmitter(events.AsyncEmitterConfig{
		Inner:  cfg.Emitter,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c := &Core{cfg: cfg, settings: settings, emitter: emitter, userLock: services.NewUserLock()}
	if err := c.initStorage(); err != nil {
		emitter.Close()
		return nil, trace.Wrap(err)
	}
	if err := c.initClient(); err != nil {
		c.shutdownStorage()
		emitter.Close()
		return nil, trace.Wrap(err)
	}
	if err := c.initComponents(); err != nil {
		c.shutdownClient()
		c.shutdownStorage()
		emitter.Close()
		return nil, trace.Wrap(err)
	}
	return c, nil
}

func (c *Core) initStorage() error {
	if c.cfg.Backend != nil {
		c.backend = c.cfg.Backend
	} else if c.cfg.DataDir != "" {
		bk, err := lite.New(lite.Config{Path: c.cfg.DataDir, Clock: c.cfg.Clock})
		if err != nil {
			return trace.Wrap(err)
		}
		c.backend = bk
		c.ownsBackend = true
	} else {
		c.cfg.Logger.WarnContext(context.Background(), "No data directory configured, credential state is in memory only.")
		bk, err := memory.New(memory.Config{Clock: c.cfg.Clock})
		if err != nil {
			return trace.Wrap(err)
		}
		c.backend = bk
		c.ownsBackend = true
	}
	c.credentials = local.NewCredentialService(c.backend)
	c.deletions = local.NewDeletionRequestService(c.backend)
	c.bulkOps = local.NewBulkOperationService(c.backend)
	return nil
}

func (c *Core) initClient() error {
	if c.cfg.BWS != nil {
		c.client = c.cfg.BWS
		return nil
	}
	snapshot := c.settings.Current()
	client, err := bws.NewClient(bws.Config{
		ClientID:               snapshot.ClientID,
		SecretKey:              snapshot.SecretKey,
		Regions:                snapshot.Regions,
		PreferredRegion:        snapshot.PreferredRegion,
		EndpointOverride:       snapshot.Endpoint,
		FailoverEnabled:        snapshot.FailoverEnabled,
		DataResidencyRequired:  snapshot.DataResidencyRequired,
		PoolSize:               snapshot.ChannelPoolSize,
		KeepAliveTime:          snapshot.KeepAliveTime(),
		RetryMaxAttempts:       snapshot.GrpcRetryMaxAttempts,
		RetryBackoffMultiplier: snapshot.GrpcRetryBackoffMultiplier,
		Clock:                  c.cfg.Clock,
		Emitter:                c.emitter,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	c.client = client
	c.ownsClient = true
	return nil
}

func (c *Core) initComponents() error {
	livenessEngine, err := liveness.NewEngine(liveness.Config{
		BWS:      c.client,
		Settings: c.settings,
		Emitter:  c.emitter,
		Clock:    c.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	enrollWorkflow, err := enroll.NewWorkflow(enroll.Config{
		Credentials: c.credentials,
		BWS:         c.client,
		Lock:        c.userLock,
		Settings:    c.settings,
		Emitter:     c.emitter,
		Clock:       c.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	verifyWorkflow, err := verify.NewWorkflow(verify.Config{
		Credentials: c.credentials,
		BWS:         c.client,
		Liveness:    livenessEngine,
		Settings:    c.settings,
		Lock:        c.userLock,
		Emitter:     c.emitter,
		Clock:       c.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	manager, err := lifecycle.NewManager(lifecycle.Config{
		Credentials:    c.credentials,
		Deletions:      c.deletions,
		BWS:            c.client,
		Lock:           c.userLock,
		Settings:       c.settings,
		EncoderVersion: c.cfg.EncoderVersion,
		Emitter:        c.emitter,
		Clock:          c.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	bulkEngine, err := bulk.NewEngine(bulk.Config{
		Registry:    c.bulkOps,
		Credentials: c.credentials,
		BWS:         c.client,
		Upgrader:    manager,
		Lock:        c.userLock,
		Settings:    c.settings,
		Emitter:     c.emitter,
		Clock:       c.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	c.liveness = livenessEngine
	c.enroll = enrollWorkflow
	c.verify = verifyWorkflow
	c.lifecycle = manager
	c.bulk = bulkEngine
	return nil
}

// Enroll builds or rebuilds a user's face credential. When the fresh
// template id replaces one erased by a completed deletion request, a
// template id change event records the linkage break.
func (c *Core) Enroll(ctx context.Context, req *types.EnrollmentRequest) (*enroll.Result, error) {
	result, err := c.enroll.Run(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if result.Action == types.EnrollActionCreated {
		c.noteTemplateIDChange(ctx, req.Realm, req.UserID, result.Record.TemplateID)
	}
	return result, nil
}

// noteTemplateIDChange emits an id change event when the user had an
// earlier template erased through the deletion request pipeline.
func (c *Core) noteTemplateIDChange(ctx context.Context, realm, userID string, newID types.TemplateID) {
	requests, err := c.deletions.ListDeletionRequests(ctx)
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to check deletion history on enrollment.", "error", err)
		return
	}
	var old types.TemplateID
	for i := range requests {
		req := requests[i]
		if req.Realm != realm || req.UserID != userID || req.State != types.DeletionStateCompleted {
			continue
		}
		if req.TemplateID != 0 && req.TemplateID != newID {
			old = req.TemplateID
		}
	}
	if old == 0 {
		return
	}
	c.emit(ctx, &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.TemplateIDChangeEvent,
			Code:  events.TemplateIDChangeCode,
			Time:  c.cfg.Clock.Now().UTC(),
			Realm: realm,
		},
		User:    userID,
		Outcome: events.Outcome{Success: true},
		Fields: map[string]any{
			"old_template_id": int64(old),
			"new_template_id": int64(newID),
		},
	})
}

// Verify matches captures against the user's enrolled template, with
// liveness gating when enabled.
func (c *Core) Verify(ctx context.Context, req *types.VerificationRequest) (*types.VerificationOutcome, error) {
	outcome, err := c.verify.Run(ctx, req)
	return outcome, trace.Wrap(err)
}

// NewLivenessChallenge mints a single-use challenge-response prompt.
func (c *Core) NewLivenessChallenge(ctx context.Context) (*types.LivenessChallenge, error) {
	challenge, err := c.liveness.NewChallenge(ctx)
	return challenge, trace.Wrap(err)
}

// CheckLiveness runs a standalone liveness decision.
func (c *Core) CheckLiveness(ctx context.Context, req *liveness.CheckRequest) (*types.LivenessOutcome, error) {
	outcome, err := c.liveness.Check(ctx, req)
	return outcome, trace.Wrap(err)
}

// TemplateStatus returns the service-side snapshot of a user's template.
func (c *Core) TemplateStatus(ctx context.Context, realm, userID string) (*types.TemplateStatus, error) {
	status, err := c.lifecycle.Status(ctx, realm, userID)
	return status, trace.Wrap(err)
}

// HealthReport classifies every credential in a realm.
func (c *Core) HealthReport(ctx context.Context, realm string) ([]types.TemplateHealthEntry, error) {
	entries, err := c.lifecycle.HealthReport(ctx, realm)
	return entries, trace.Wrap(err)
}

// UpgradeTemplate re-encodes a user's template from stored thumbnails.
func (c *Core) UpgradeTemplate(ctx context.Context, realm, userID string) (*types.CredentialRecord, error) {
	record, err := c.lifecycle.Upgrade(ctx, realm, userID)
	return record, trace.Wrap(err)
}

// DeleteUser erases a user's template and credential record directly,
// outside the reviewed deletion request pipeline.
func (c *Core) DeleteUser(ctx context.Context, realm, userID, actor string) error {
	release, err := c.userLock.TryAcquire(realm, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer release()

	record, err := c.credentials.GetCredential(ctx, realm, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := c.client.DeleteTemplate(ctx, record.TemplateID); err != nil {
		return trace.Wrap(err)
	}
	if err := c.credentials.DeleteCredential(ctx, realm, userID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	c.emit(ctx, &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.TemplateDeleteEvent,
			Code:  events.TemplateDeleteCode,
			Time:  c.cfg.Clock.Now().UTC(),
			Realm: realm,
		},
		User:    userID,
		Actor:   actor,
		Outcome: events.Outcome{Success: true},
		Fields:  map[string]any{"template_id": int64(record.TemplateID)},
	})
	return nil
}

// SubmitDeletionRequest files a deletion request for review.
func (c *Core) SubmitDeletionRequest(ctx context.Context, realm, userID, reason string, priority types.DeletionPriority) (*types.DeletionRequest, error) {
	req, err := c.lifecycle.SubmitDeletionRequest(ctx, realm, userID, reason, priority)
	return req, trace.Wrap(err)
}

// ReviewDeletionRequest approves or declines a pending request.
func (c *Core) ReviewDeletionRequest(ctx context.Context, id string, approve bool, reviewer, note string) (*types.DeletionRequest, error) {
	req, err := c.lifecycle.ReviewDeletionRequest(ctx, id, approve, reviewer, note)
	return req, trace.Wrap(err)
}

// CancelDeletionRequest withdraws a pending request.
func (c *Core) CancelDeletionRequest(ctx context.Context, id string) (*types.DeletionRequest, error) {
	req, err := c.lifecycle.CancelDeletionRequest(ctx, id)
	return req, trace.Wrap(err)
}

// ProcessDeletionRequests drives approved and retry-due deletion
// requests through erasure immediately, outside the maintenance cadence.
func (c *Core) ProcessDeletionRequests(ctx context.Context) (int, error) {
	completed, err := c.lifecycle.ProcessDeletions(ctx)
	return completed, trace.Wrap(err)
}

// EscalateStaleDeletionRequests flags pending requests older than the
// escalation threshold.
func (c *Core) EscalateStaleDeletionRequests(ctx context.Context) (int, error) {
	escalated, err := c.lifecycle.EscalateStaleDeletions(ctx)
	return escalated, trace.Wrap(err)
}

// GetDeletionRequest returns a deletion request by id.
func (c *Core) GetDeletionRequest(ctx context.Context, id string) (*types.DeletionRequest, error) {
	req, err := c.deletions.GetDeletionRequest(ctx, id)
	return req, trace.Wrap(err)
}

// ListDeletionRequests returns every stored deletion request.
func (c *Core) ListDeletionRequests(ctx context.Context) ([]types.DeletionRequest, error) {
	requests, err := c.deletions.ListDeletionRequests(ctx)
	return requests, trace.Wrap(err)
}

// SubmitBulkOperation starts a bulk operation.
func (c *Core) SubmitBulkOperation(ctx context.Context, sub bulk.Submission) (*types.BulkOperation, error) {
	op, err := c.bulk.Submit(ctx, sub)
	return op, trace.Wrap(err)
}

// BulkProgress returns a progress snapshot.
func (c *Core) BulkProgress(ctx context.Context, id string) (*types.Progress, error) {
	progress, err := c.bulk.Progress(ctx, id)
	return progress, trace.Wrap(err)
}

// CancelBulkOperation cancels a running bulk operation.
func (c *Core) CancelBulkOperation(ctx context.Context, id string) error {
	return trace.Wrap(c.bulk.Cancel(ctx, id))
}

// ResubmitFailedBulkOperation retries the retryable failures of a
// terminal bulk operation.
func (c *Core) ResubmitFailedBulkOperation(ctx context.Context, id string, tags []string, actor string) (*types.BulkOperation, error) {
	op, err := c.bulk.ResubmitFailed(ctx, id, tags, actor)
	return op, trace.Wrap(err)
}

// ListBulkOperations returns every stored bulk operation record.
func (c *Core) ListBulkOperations(ctx context.Context) ([]types.BulkOperation, error) {
	ops, err := c.bulkOps.ListBulkOperations(ctx)
	return ops, trace.Wrap(err)
}

// ServiceHealth reports the BWS service health.
func (c *Core) ServiceHealth(ctx context.Context) (*bws.ServiceHealth, error) {
	health, err := c.client.ServiceHealth(ctx)
	return health, trace.Wrap(err)
}

// CurrentConfig returns the active configuration with secrets redacted.
func (c *Core) CurrentConfig() *config.Config {
	return c.settings.Current().Redacted()
}

// ProposeConfig validates a proposed configuration and swaps it in. The
// BWS transport keeps its startup settings; workflow options take effect
// on the next operation.
func (c *Core) ProposeConfig(ctx context.Context, proposed *config.Config, actor string) error {
	if err := c.settings.Swap(proposed); err != nil {
		return trace.Wrap(err)
	}
	c.emit(ctx, &events.AuditEvent{
		Metadata: events.Metadata{
			ID:   uuid.NewString(),
			Type: events.ConfigSwapEvent,
			Code: events.ConfigSwapCode,
			Time: c.cfg.Clock.Now().UTC(),
		},
		Actor:   actor,
		Outcome: events.Outcome{Success: true},
	})
	return nil
}

// Run drives the background maintenance until the context is cancelled:
// expired credential sweeps, deletion request processing and escalation,
// bulk operation record retention, and configuration file reloads.
func (c *Core) Run(ctx context.Context) {
	go c.lifecycle.RunMaintenance(ctx)
	if c.cfg.ConfigFile != "" {
		go func() {
			if err := config.Watch(ctx, c.cfg.ConfigFile, c.settings, c.cfg.Logger); err != nil {
				c.cfg.Logger.WarnContext(ctx, "Configuration file watcher stopped.", "error", err)
			}
		}()
	}

	ticker := c.cfg.Clock.NewTicker(defaults.BulkRetention / 7)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := c.bulk.SweepRetention(ctx); err != nil {
				c.cfg.Logger.WarnContext(ctx, "Bulk retention sweep failed.", "error", err)
			}
		}
	}
}

func (c *Core) shutdownClient() {
	if c.ownsClient {
		c.client.Close()
	}
}

func (c *Core) shutdownStorage() {
	if c.ownsBackend {
		c.backend.Close()
	}
}

// Close releases every component the Core owns.
func (c *Core) Close() error {
	var errs []error
	if err := c.bulk.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.ownsClient {
		if err := c.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ownsBackend {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.emitter.Close(); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}

func (c *Core) emit(ctx context.Context, event *events.AuditEvent) {
	if err := c.emitter.EmitAuditEvent(ctx, event); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to emit audit event.", "event_type", event.Type, "error", err)
	}
}
