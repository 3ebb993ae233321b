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
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/lib/events"
	"github.com/gravitational/faceauth/types"
)

// SubmitDeletionRequest files a new deletion request in PENDING state
// and returns it with its assigned id.
func (m *Manager) SubmitDeletionRequest(ctx context.Context, realm, userID, reason string, priority types.DeletionPriority) (*types.DeletionRequest, error) {
	req := &types.DeletionRequest{
		ID:          uuid.NewString(),
		Realm:       realm,
		UserID:      userID,
		Reason:      reason,
		Priority:    priority,
		State:       types.DeletionStatePending,
		RequestedAt: m.cfg.Clock.Now().UTC(),
	}
	// Pin the target template when the user is currently enrolled, so
	// the request survives a later re-enrollment unambiguously.
	if record, err := m.cfg.Credentials.GetCredential(ctx, realm, userID); err == nil {
		req.TemplateID = record.TemplateID
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if err := m.cfg.Deletions.CreateDeletionRequest(ctx, req); err != nil {
		return nil, trace.Wrap(err)
	}
	m.emitDeletionTransition(ctx, req, "", nil)
	return req, nil
}

// ReviewDeletionRequest applies an admin decision to a pending request:
// APPROVED or DECLINED. The swap fails with CompareFailed when another
// reviewer got there first.
func (m *Manager) ReviewDeletionRequest(ctx context.Context, id string, approve bool, reviewer, note string) (*types.DeletionRequest, error) {
	req, err := m.cfg.Deletions.GetDeletionRequest(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	decided := *req
	decided.State = types.DeletionStateDeclined
	if approve {
		decided.State = types.DeletionStateApproved
	}
	decided.ReviewedBy = reviewer
	decided.Note = note
	if err := m.cfg.Deletions.CompareAndSwapDeletionRequest(ctx, req, &decided); err != nil {
		return nil, trace.Wrap(err)
	}
	m.emitDeletionTransition(ctx, &decided, req.State, nil)
	return &decided, nil
}

// CancelDeletionRequest withdraws a pending request.
func (m *Manager) CancelDeletionRequest(ctx context.Context, id string) (*types.DeletionRequest, error) {
	req, err := m.cfg.Deletions.GetDeletionRequest(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cancelled := *req
	cancelled.State = types.DeletionStateCancelled
	if err := m.cfg.Deletions.CompareAndSwapDeletionRequest(ctx, req, &cancelled); err != nil {
		return nil, trace.Wrap(err)
	}
	m.emitDeletionTransition(ctx, &cancelled, req.State, nil)
	return &cancelled, nil
}

// ProcessDeletions drives every approved request and every failed one
// whose retry is due through the erasure: the BWS template first, the
// credential record second. Returns how many requests reached COMPLETED.
func (m *Manager) ProcessDeletions(ctx context.Context) (int, error) {
	requests, err := m.cfg.Deletions.ListDeletionRequests(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	now := m.cfg.Clock.Now()
	completed := 0
	for i := range requests {
		req := requests[i]
		switch req.State {
		case types.DeletionStateApproved:
		case types.DeletionStateFailed:
			if req.Retries >= defaults.DeletionMaxRetries || now.Before(req.NextRetryAt) {
				continue
			}
		default:
			continue
		}
		if err := m.processDeletion(ctx, &req); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Deletion request processing attempt failed.",
				"request_id", req.ID, "error", err)
			continue
		}
		completed++
	}
	return completed, nil
}

func (m *Manager) processDeletion(ctx context.Context, req *types.DeletionRequest) error {
	inProgress := *req
	inProgress.State = types.DeletionStateInProgress
	if err := m.cfg.Deletions.CompareAndSwapDeletionRequest(ctx, req, &inProgress); err != nil {
		// Another processor claimed it; not a failure of this sweep.
		return trace.Wrap(err)
	}

	err := m.erase(ctx, &inProgress)
	if err == nil {
		done := inProgress
		done.State = types.DeletionStateCompleted
		done.ProcessedAt = m.cfg.Clock.Now().UTC()
		if err := m.cfg.Deletions.CompareAndSwapDeletionRequest(ctx, &inProgress, &done); err != nil {
			return trace.Wrap(err)
		}
		deletionsProcessed.WithLabelValues("completed").Inc()
		m.emitDeletionTransition(ctx, &done, inProgress.State, nil)
		return nil
	}

	failed := inProgress
	failed.State = types.DeletionStateFailed
	failed.Retries++
	if failed.Retries < defaults.DeletionMaxRetries {
		backoff := defaults.DeletionRetryBackoff << (failed.Retries - 1)
		failed.NextRetryAt = m.cfg.Clock.Now().UTC().Add(backoff)
	} else {
		failed.NextRetryAt = time.Time{}
	}
	if swapErr := m.cfg.Deletions.CompareAndSwapDeletionRequest(ctx, &inProgress, &failed); swapErr != nil {
		return trace.NewAggregate(err, swapErr)
	}
	deletionsProcessed.WithLabelValues("failed").Inc()
	m.emitDeletionTransition(ctx, &failed, inProgress.State, err)
	return trace.Wrap(err)
}

// erase performs the actual erasure. Template deletion is idempotent; a
// missing credential record means a concurrent path already purged it.
// A user busy in another workflow fails the attempt, which schedules a
// retry instead of interleaving with the mutation in flight.
func (m *Manager) erase(ctx context.Context, req *types.DeletionRequest) error {
	release, err := m.cfg.Lock.TryAcquire(req.Realm, req.UserID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer release()

	templateID := req.TemplateID
	if templateID == 0 {
		record, err := m.cfg.Credentials.GetCredential(ctx, req.Realm, req.UserID)
		switch {
		case trace.IsNotFound(err):
			return nil // nothing enrolled, nothing to erase
		case err != nil:
			return trace.Wrap(err)
		}
		templateID = record.TemplateID
	}
	if _, err := m.cfg.BWS.DeleteTemplate(ctx, templateID); err != nil {
		return trace.Wrap(err)
	}
	if err := m.cfg.Credentials.DeleteCredential(ctx, req.Realm, req.UserID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// EscalateStaleDeletions flags pending requests older than the
// escalation age and emits an escalation event for each. The flag makes
// the sweep idempotent. Returns how many requests were newly flagged.
func (m *Manager) EscalateStaleDeletions(ctx context.Context) (int, error) {
	requests, err := m.cfg.Deletions.ListDeletionRequests(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	cutoff := m.cfg.Clock.Now().Add(-defaults.DeletionEscalationAge)
	escalated := 0
	for i := range requests {
		req := requests[i]
		if req.State != types.DeletionStatePending || req.Escalated || req.RequestedAt.After(cutoff) {
			continue
		}
		req.Escalated = true
		if err := m.cfg.Deletions.UpdateDeletionRequest(ctx, &req); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Failed to flag stale deletion request.", "request_id", req.ID, "error", err)
			continue
		}
		escalated++
		deletionsEscalated.Inc()
		m.emit(ctx, &events.AuditEvent{
			Metadata: events.Metadata{
				ID:    uuid.NewString(),
				Type:  events.DeletionEscalatedEvent,
				Code:  events.DeletionEscalatedCode,
				Time:  m.cfg.Clock.Now().UTC(),
				Realm: req.Realm,
			},
			User:    req.UserID,
			Outcome: events.Outcome{Success: true},
			Fields: map[string]any{
				"request_id":   req.ID,
				"priority":     string(req.Priority),
				"requested_at": req.RequestedAt.Format(time.RFC3339),
			},
		})
	}
	return escalated, nil
}

func (m *Manager) emitDeletionTransition(ctx context.Context, req *types.DeletionRequest, from types.DeletionState, procErr error) {
	event := &events.AuditEvent{
		Metadata: events.Metadata{
			ID:    uuid.NewString(),
			Type:  events.DeletionRequestEvent,
			Code:  events.DeletionRequestCode,
			Time:  m.cfg.Clock.Now().UTC(),
			Realm: req.Realm,
		},
		User:    req.UserID,
		Actor:   req.ReviewedBy,
		Outcome: events.Outcome{Success: procErr == nil},
		Fields: map[string]any{
			"request_id": req.ID,
			"state":      string(req.State),
		},
	}
	if from != "" {
		event.Fields["from"] = string(from)
	}
	if procErr != nil {
		event.Code = events.DeletionRequestFailureCode
		event.Outcome.Error = procErr.Error()
	}
	m.emit(ctx, event)
}
