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

// Package bulk implements the administrative bulk operation engine: a
// shared bounded worker pool that runs delete, upgrade, tag and status
// sweeps over many templates, with per-operation progress tracking,
// cooperative cancellation and error partitioning.
package bulk

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

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

// TemplateOps is the slice of the BWS client the engine calls.
type TemplateOps interface {
	// DeleteTemplate removes a template; idempotent.
	DeleteTemplate(ctx context.Context, templateID types.TemplateID) (bws.DeleteOutcome, error)
	// SetTemplateTags replaces a template's tags.
	SetTemplateTags(ctx context.Context, templateID types.TemplateID, tags []string) error
	// GetTemplateStatus returns a template snapshot.
	GetTemplateStatus(ctx context.Context, templateID types.TemplateID, includeThumbnails bool) (*types.TemplateStatus, error)
}

// Upgrader re-enrolls a user's template with the current encoder.
type Upgrader interface {
	Upgrade(ctx context.Context, realm, userID string) (*types.CredentialRecord, error)
}

// Config configures the bulk engine.
type Config struct {
	// Registry persists operation records.
	Registry services.BulkOperations
	// Credentials maps templates back to users for upgrade sweeps and
	// purges credentials on delete sweeps.
	Credentials services.CredentialStore
	// BWS performs the per-item template calls.
	BWS TemplateOps
	// Upgrader performs per-user encoder upgrades.
	Upgrader Upgrader
	// Lock serializes credential mutations per (realm, user) with the
	// other workflows.
	Lock *services.UserLock
	// Settings is the live configuration snapshot store.
	Settings *config.Store
	// Emitter receives audit events.
	Emitter events.Emitter
	// Clock is used for timestamps and retention.
	Clock clockwork.Clock
	// Logger logs engine activity.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing parameter Credentials")
	}
	if c.BWS == nil {
		return trace.BadParameter("missing parameter BWS")
	}
	if c.Upgrader == nil {
		return trace.BadParameter("missing parameter Upgrader")
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
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentBulk)
	}
	return nil
}

// Submission describes a bulk operation to run.
type Submission struct {
	// Kind is the per-item operation.
	Kind types.BulkKind
	// Realm scopes the operation.
	Realm string
	// TemplateIDs are the items.
	TemplateIDs []types.TemplateID
	// Tags are the replacement tags for tag sweeps.
	Tags []string
	// Actor is the admin submitting the operation, for auditing.
	Actor string
}

// Check validates the submission.
func (s *Submission) Check() error {
	if err := s.Kind.Check(); err != nil {
		return trace.Wrap(err)
	}
	if s.Realm == "" {
		return trace.BadParameter("missing parameter Realm")
	}
	if len(s.TemplateIDs) == 0 {
		return trace.BadParameter("a bulk operation needs at least one template id")
	}
	for _, id := range s.TemplateIDs {
		if err := id.Check(); err != nil {
			return trace.Wrap(err)
		}
	}
	if s.Kind == types.BulkKindTag && len(s.Tags) == 0 {
		return trace.BadParameter("a tag sweep needs at least one tag")
	}
	return nil
}

// runningOp is the in-memory side of an operation in flight.
type runningOp struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	errors []types.BulkItemError
}

func (r *runningOp) recordFailure(id types.TemplateID, err error) {
	r.processed.Add(1)
	r.failed.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, types.BulkItemError{
		TemplateID: id,
		Message:    err.Error(),
		Retryable:  bws.IsRetryable(err) || trace.IsConnectionProblem(err),
	})
	itemsProcessed.WithLabelValues("failure").Inc()
}

// Engine runs bulk operations on a shared bounded worker pool.
type Engine struct {
	cfg Config

	// workers is the pool shared by every running operation.
	workers chan struct{}
	// slots caps concurrently running operations.
	slots chan struct{}

	mu      sync.Mutex
	running map[string]*runningOp
	wg      sync.WaitGroup
	closed  bool
}

// NewEngine creates a bulk engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	snapshot := cfg.Settings.Current()
	return &Engine{
		cfg:     cfg,
		workers: make(chan struct{}, snapshot.BulkWorkers),
		slots:   make(chan struct{}, snapshot.BulkMaxConcurrentOperations),
		running: make(map[string]*runningOp),
	}, nil
}

// Submit accepts a bulk operation and starts it in the background.
// Submissions beyond the concurrent operation cap are rejected with
// LimitExceeded rather than queued.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*types.BulkOperation, error) {
	if err := sub.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	select {
	case e.slots <- struct{}{}:
	default:
		return nil, trace.LimitExceeded("bulk engine is busy: %d operations already running", cap(e.slots))
	}

	op := &types.BulkOperation{
		ID:        uuid.NewString(),
		Kind:      sub.Kind,
		Realm:     sub.Realm,
		Total:     len(sub.TemplateIDs),
		State:     types.BulkStateRunning,
		StartedAt: e.cfg.Clock.Now().UTC(),
	}
	if err := e.cfg.Registry.CreateBulkOperation(ctx, op); err != nil {
		<-e.slots
		return nil, trace.Wrap(err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Settings.Current().BulkOperationTimeout())
	run := &runningOp{cancel: cancel}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		<-e.slots
		return nil, trace.ConnectionProblem(nil, "bulk engine is shut down")
	}
	e.running[op.ID] = run
	e.wg.Add(1)
	e.mu.Unlock()

	operationsStarted.WithLabelValues(string(sub.Kind)).Inc()
	e.emitLifecycle(ctx, op, sub.Actor, "started")
	go e.run(runCtx, op.Clone(), sub, run)
	return op, nil
}

// Progress returns an O(1) progress snapshot, live counters for a
// running operation and the stored record otherwise.
func (e *Engine) Progress(ctx context.Context, id string) (*types.Progress, error) {
	e.mu.Lock()
	run, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		op, err := e.cfg.Registry.GetBulkOperation(ctx, id)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &types.Progress{
			Total:     op.Total,
			Processed: int(run.processed.Load()),
			Succeeded: int(run.succeeded.Load()),
			Failed:    int(run.failed.Load()),
			State:     types.BulkStateRunning,
		}, nil
	}
	op, err := e.cfg.Registry.GetBulkOperation(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &types.Progress{
		Total:     op.Total,
		Processed: op.Processed,
		Succeeded: op.Succeeded,
		Failed:    op.Failed,
		State:     op.State,
	}, nil
}

// Cancel asks a running operation to stop. Items already dispatched
// finish; unstarted items are skipped. The terminal CANCELLED state is
// written by the runner once the in-flight items drain.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	run, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		op, err := e.cfg.Registry.GetBulkOperation(ctx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.BadParameter("bulk operation %q is already %v", id, op.State)
	}
	run.cancelled.Store(true)
	run.cancel()
	return nil
}

// ResubmitFailed starts a new operation over the retryable failures of a
// terminal one. Tags must be resupplied for tag sweeps.
func (e *Engine) ResubmitFailed(ctx context.Context, id string, tags []string, actor string) (*types.BulkOperation, error) {
	op, err := e.cfg.Registry.GetBulkOperation(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !op.State.Terminal() {
		return nil, trace.BadParameter("bulk operation %q is still running", id)
	}
	var retryable []types.TemplateID
	for _, itemErr := range op.Errors {
		if itemErr.Retryable {
			retryable = append(retryable, itemErr.TemplateID)
		}
	}
	if len(retryable) == 0 {
		return nil, trace.NotFound("bulk operation %q has no retryable failures", id)
	}
	return e.Submit(ctx, Submission{
		Kind:        op.Kind,
		Realm:       op.Realm,
		TemplateIDs: retryable,
		Tags:        tags,
		Actor:       actor,
	})
}

// SweepRetention removes terminal operation records older than the
// retention period. Returns how many were removed.
func (e *Engine) SweepRetention(ctx context.Context) (int, error) {
	ops, err := e.cfg.Registry.ListBulkOperations(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	cutoff := e.cfg.Clock.Now().Add(-defaults.BulkRetention)
	removed := 0
	for i := range ops {
		op := ops[i]
		if !op.State.Terminal() || op.CompletedAt.IsZero() || op.CompletedAt.After(cutoff) {
			continue
		}
		if err := e.cfg.Registry.DeleteBulkOperation(ctx, op.ID); err != nil {
			e.cfg.Logger.WarnContext(ctx, "Failed to reap bulk operation record.", "operation_id", op.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Close cancels every running operation and waits for the runners to
// drain.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	for _, run := range e.running {
		run.cancelled.Store(true)
		run.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

func (e *Engine) run(ctx context.Context, op *types.BulkOperation, sub Submission, run *runningOp) {
	defer func() {
		e.mu.Lock()
		delete(e.running, op.ID)
		e.mu.Unlock()
		run.cancel()
		<-e.slots
		e.wg.Done()
	}()

	item := e.itemFunc(ctx, sub)

	var inflight sync.WaitGroup
	batch := e.cfg.Settings.Current().BulkBatchSize
	for i, id := range sub.TemplateIDs {
		if !e.acquireWorker(ctx) {
			break
		}
		inflight.Add(1)
		go func(id types.TemplateID) {
			defer func() {
				<-e.workers
				inflight.Done()
			}()
			if err := item(ctx, id); err != nil {
				run.recordFailure(id, err)
				return
			}
			run.processed.Add(1)
			run.succeeded.Add(1)
			itemsProcessed.WithLabelValues("success").Inc()
		}(id)
		if (i+1)%batch == 0 {
			inflight.Wait()
			e.persistProgress(op, run)
		}
	}
	inflight.Wait()
	e.finish(op, run)
}

// acquireWorker claims a slot in the shared worker pool, or reports
// false once ctx is cancelled. The pool is shared by every operation,
// so when the send and the cancellation are simultaneously ready the
// slot must go back, not leak with the cancelled operation.
func (e *Engine) acquireWorker(ctx context.Context) bool {
	var acquired bool
	select {
	case e.workers <- struct{}{}:
		acquired = true
	case <-ctx.Done():
	}
	if ctx.Err() != nil {
		if acquired {
			<-e.workers
		}
		return false
	}
	return true
}

// itemFunc binds the submission to the per-item operation. Upgrade
// sweeps resolve templates back to their users once, up front.
func (e *Engine) itemFunc(ctx context.Context, sub Submission) func(context.Context, types.TemplateID) error {
	switch sub.Kind {
	case types.BulkKindDelete:
		owners := e.templateOwners(ctx, sub.Realm)
		return func(ctx context.Context, id types.TemplateID) error {
			owner, owned := owners[id]
			if owned {
				// A user busy in another workflow fails the item rather
				// than interleaving with the mutation in flight.
				release, err := e.cfg.Lock.TryAcquire(sub.Realm, owner)
				if err != nil {
					return trace.Wrap(err)
				}
				defer release()
			}
			if _, err := e.cfg.BWS.DeleteTemplate(ctx, id); err != nil {
				return trace.Wrap(err)
			}
			if owned {
				if err := e.cfg.Credentials.DeleteCredential(ctx, sub.Realm, owner); err != nil && !trace.IsNotFound(err) {
					return trace.Wrap(err)
				}
			}
			return nil
		}
	case types.BulkKindUpgrade:
		owners := e.templateOwners(ctx, sub.Realm)
		return func(ctx context.Context, id types.TemplateID) error {
			owner, ok := owners[id]
			if !ok {
				return trace.NotFound("no credential in realm %q references template %v", sub.Realm, id)
			}
			_, err := e.cfg.Upgrader.Upgrade(ctx, sub.Realm, owner)
			return trace.Wrap(err)
		}
	case types.BulkKindTag:
		return func(ctx context.Context, id types.TemplateID) error {
			return trace.Wrap(e.cfg.BWS.SetTemplateTags(ctx, id, sub.Tags))
		}
	default: // BulkKindStatus
		return func(ctx context.Context, id types.TemplateID) error {
			status, err := e.cfg.BWS.GetTemplateStatus(ctx, id, false)
			if err != nil {
				return trace.Wrap(err)
			}
			if !status.Available {
				return trace.NotFound("template %v does not exist in the service", id)
			}
			return nil
		}
	}
}

// templateOwners maps a realm's template ids to their users. A failed
// listing yields an empty map; per-item handling degrades accordingly.
func (e *Engine) templateOwners(ctx context.Context, realm string) map[types.TemplateID]string {
	owners := make(map[types.TemplateID]string)
	credentials, err := e.cfg.Credentials.ListCredentials(ctx, realm)
	if err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to list credentials for bulk operation.", "realm", realm, "error", err)
		return owners
	}
	for _, cred := range credentials {
		owners[cred.Record.TemplateID] = cred.UserID
	}
	return owners
}

func (e *Engine) persistProgress(op *types.BulkOperation, run *runningOp) {
	snapshot := e.snapshot(op, run, types.BulkStateRunning)
	// Persistence runs on a background context: a cancelled operation
	// still wants its progress recorded.
	if err := e.cfg.Registry.UpdateBulkOperation(context.Background(), snapshot); err != nil {
		e.cfg.Logger.WarnContext(context.Background(), "Failed to persist bulk progress.", "operation_id", op.ID, "error", err)
	}
}

func (e *Engine) finish(op *types.BulkOperation, run *runningOp) {
	failed := int(run.failed.Load())
	succeeded := int(run.succeeded.Load())
	state := types.BulkStateCompleted
	switch {
	case run.cancelled.Load():
		state = types.BulkStateCancelled
	case failed == 0:
	case succeeded == 0:
		state = types.BulkStateFailed
	default:
		state = types.BulkStatePartiallyCompleted
	}

	final := e.snapshot(op, run, state)
	final.CompletedAt = e.cfg.Clock.Now().UTC()

	ctx := context.Background()
	expected := e.snapshot(op, run, types.BulkStateRunning)
	// The registry may hold an older progress snapshot; overwrite the
	// counters first, then swap the state under compare-and-swap so a
	// concurrent writer cannot resurrect a terminal operation.
	if err := e.cfg.Registry.UpdateBulkOperation(ctx, expected); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to persist final bulk progress.", "operation_id", op.ID, "error", err)
	}
	if err := e.cfg.Registry.CompareAndSwapBulkOperation(ctx, expected, final); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to finalize bulk operation.", "operation_id", op.ID, "error", err)
	}
	operationsFinished.WithLabelValues(string(op.Kind), string(state)).Inc()
	e.emitLifecycle(ctx, final, "", string(state))
}

func (e *Engine) snapshot(op *types.BulkOperation, run *runningOp, state types.BulkState) *types.BulkOperation {
	out := op.Clone()
	out.Processed = int(run.processed.Load())
	out.Succeeded = int(run.succeeded.Load())
	out.Failed = int(run.failed.Load())
	out.State = state
	run.mu.Lock()
	out.Errors = make([]types.BulkItemError, len(run.errors))
	copy(out.Errors, run.errors)
	run.mu.Unlock()
	return out
}

func (e *Engine) emitLifecycle(ctx context.Context, op *types.BulkOperation, actor, phase string) {
	event := &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.BulkOperationEvent,
			Code:  events.BulkOperationCode,
			Time:  e.cfg.Clock.Now().UTC(),
			Realm: op.Realm,
		},
		Actor:   actor,
		Outcome: events.Outcome{Success: true},
		Fields: map[string]any{
			"operation_id": op.ID,
			"kind":         string(op.Kind),
			"phase":        phase,
			"total":        op.Total,
		},
	}
	if err := e.cfg.Emitter.EmitAuditEvent(ctx, event); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to emit bulk audit event.", "error", err)
	}
}
