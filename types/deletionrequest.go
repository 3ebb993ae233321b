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

package types

import (
	"slices"
	"time"

	"github.com/gravitational/trace"
)

// DeletionState is the lifecycle state of a deletion request.
type DeletionState string

const (
	// DeletionStatePending awaits an admin decision.
	DeletionStatePending DeletionState = "PENDING"
	// DeletionStateApproved is cleared for processing.
	DeletionStateApproved DeletionState = "APPROVED"
	// DeletionStateDeclined was rejected by an admin. Terminal.
	DeletionStateDeclined DeletionState = "DECLINED"
	// DeletionStateCancelled was withdrawn before a decision. Terminal.
	DeletionStateCancelled DeletionState = "CANCELLED"
	// DeletionStateInProgress is being processed against BWS.
	DeletionStateInProgress DeletionState = "IN_PROGRESS"
	// DeletionStateCompleted deleted the template and purged the
	// credential. Terminal.
	DeletionStateCompleted DeletionState = "COMPLETED"
	// DeletionStateFailed exhausted its processing retries. Terminal
	// once the retry budget is spent.
	DeletionStateFailed DeletionState = "FAILED"
)

// deletionTransitions is the full set of legal state transitions. A
// FAILED request may re-enter IN_PROGRESS while retries remain.
var deletionTransitions = map[DeletionState][]DeletionState{
	DeletionStatePending:    {DeletionStateApproved, DeletionStateDeclined, DeletionStateCancelled},
	DeletionStateApproved:   {DeletionStateInProgress},
	DeletionStateInProgress: {DeletionStateCompleted, DeletionStateFailed},
	DeletionStateFailed:     {DeletionStateInProgress},
}

// CheckDeletionTransition returns an error unless from -> to is a legal
// deletion request transition.
func CheckDeletionTransition(from, to DeletionState) error {
	if slices.Contains(deletionTransitions[from], to) {
		return nil
	}
	return trace.BadParameter("illegal deletion request transition %v -> %v", from, to)
}

// Terminal reports whether no further transitions leave the state.
func (s DeletionState) Terminal() bool {
	switch s {
	case DeletionStateDeclined, DeletionStateCancelled, DeletionStateCompleted:
		return true
	}
	return false
}

// DeletionPriority orders deletion requests for admin review.
type DeletionPriority string

const (
	// DeletionPriorityLow is routine cleanup.
	DeletionPriorityLow DeletionPriority = "low"
	// DeletionPriorityNormal is the default.
	DeletionPriorityNormal DeletionPriority = "normal"
	// DeletionPriorityHigh is an expedited request.
	DeletionPriorityHigh DeletionPriority = "high"
	// DeletionPriorityUrgent is a legal or incident-driven request.
	DeletionPriorityUrgent DeletionPriority = "urgent"
)

// Check validates the priority.
func (p DeletionPriority) Check() error {
	switch p {
	case DeletionPriorityLow, DeletionPriorityNormal, DeletionPriorityHigh, DeletionPriorityUrgent:
		return nil
	}
	return trace.BadParameter("unsupported deletion priority %q", string(p))
}

// DeletionRequest tracks the approval and processing of a template
// erasure, typically a GDPR article 17 request.
type DeletionRequest struct {
	// ID uniquely identifies the request.
	ID string `json:"id"`
	// Realm scopes the user.
	Realm string `json:"realm"`
	// UserID is the user whose template is to be erased.
	UserID string `json:"user_id"`
	// TemplateID is the target template when known at creation time.
	TemplateID TemplateID `json:"template_id,omitempty"`
	// Reason is the requester's stated reason.
	Reason string `json:"reason"`
	// Priority orders the admin review queue.
	Priority DeletionPriority `json:"priority"`
	// State is the current lifecycle state.
	State DeletionState `json:"state"`
	// RequestedAt is when the request was created.
	RequestedAt time.Time `json:"requested_at"`
	// ReviewedBy is the admin who approved or declined.
	ReviewedBy string `json:"reviewed_by,omitempty"`
	// ProcessedAt is when processing reached a terminal state.
	ProcessedAt time.Time `json:"processed_at,omitempty"`
	// Note is an optional admin note attached at review time.
	Note string `json:"note,omitempty"`
	// Escalated is set by the escalation sweep when the request sat
	// pending past the escalation age.
	Escalated bool `json:"escalated,omitempty"`
	// Retries counts processing attempts after the first failure.
	Retries int `json:"retries,omitempty"`
	// NextRetryAt schedules the next processing attempt of a failed
	// request.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

// CheckAndSetDefaults validates the request.
func (r *DeletionRequest) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if r.Realm == "" {
		return trace.BadParameter("missing parameter Realm")
	}
	if r.UserID == "" {
		return trace.BadParameter("missing parameter UserID")
	}
	if r.Priority == "" {
		r.Priority = DeletionPriorityNormal
	}
	if err := r.Priority.Check(); err != nil {
		return trace.Wrap(err)
	}
	if r.State == "" {
		r.State = DeletionStatePending
	}
	if r.RequestedAt.IsZero() {
		return trace.BadParameter("missing parameter RequestedAt")
	}
	return nil
}
