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

// BulkKind is the per-item operation a bulk run performs.
type BulkKind string

const (
	// BulkKindDelete deletes templates and purges credentials.
	BulkKindDelete BulkKind = "delete"
	// BulkKindUpgrade re-encodes templates with the current encoder.
	BulkKindUpgrade BulkKind = "upgrade"
	// BulkKindTag replaces template tags.
	BulkKindTag BulkKind = "tag"
	// BulkKindStatus collects template status snapshots.
	BulkKindStatus BulkKind = "status"
)

// Check validates the kind.
func (k BulkKind) Check() error {
	switch k {
	case BulkKindDelete, BulkKindUpgrade, BulkKindTag, BulkKindStatus:
		return nil
	}
	return trace.BadParameter("unsupported bulk operation kind %q", string(k))
}

// BulkState is the lifecycle state of a bulk operation.
type BulkState string

const (
	// BulkStateRunning is dispatching items.
	BulkStateRunning BulkState = "RUNNING"
	// BulkStateCompleted finished with every item succeeding. Terminal.
	BulkStateCompleted BulkState = "COMPLETED"
	// BulkStatePartiallyCompleted finished with a mix of successes and
	// failures. Terminal.
	BulkStatePartiallyCompleted BulkState = "PARTIALLY_COMPLETED"
	// BulkStateFailed finished with every item failing. Terminal.
	BulkStateFailed BulkState = "FAILED"
	// BulkStateCancelled was cancelled; unstarted items were skipped.
	// Terminal.
	BulkStateCancelled BulkState = "CANCELLED"
)

var bulkTransitions = map[BulkState][]BulkState{
	BulkStateRunning: {BulkStateCompleted, BulkStatePartiallyCompleted, BulkStateFailed, BulkStateCancelled},
}

// CheckBulkTransition returns an error unless from -> to is a legal bulk
// operation transition.
func CheckBulkTransition(from, to BulkState) error {
	if slices.Contains(bulkTransitions[from], to) {
		return nil
	}
	return trace.BadParameter("illegal bulk operation transition %v -> %v", from, to)
}

// Terminal reports whether the state is final.
func (s BulkState) Terminal() bool {
	return s != BulkStateRunning
}

// BulkItemError records the failure of a single item.
type BulkItemError struct {
	// TemplateID is the item that failed.
	TemplateID TemplateID `json:"template_id"`
	// Message is the classified failure message.
	Message string `json:"message"`
	// Retryable reports whether resubmitting the item may succeed.
	Retryable bool `json:"retryable"`
}

// BulkOperation tracks a batched run over many templates.
type BulkOperation struct {
	// ID uniquely identifies the operation.
	ID string `json:"id"`
	// Kind is the per-item operation.
	Kind BulkKind `json:"kind"`
	// Realm scopes the operation.
	Realm string `json:"realm"`
	// Total is the number of submitted items.
	Total int `json:"total"`
	// Processed counts items that reached an outcome.
	Processed int `json:"processed"`
	// Succeeded counts items that succeeded.
	Succeeded int `json:"succeeded"`
	// Failed counts items that failed.
	Failed int `json:"failed"`
	// State is the current lifecycle state.
	State BulkState `json:"state"`
	// StartedAt is when the operation was accepted.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the operation reached a terminal state.
	CompletedAt time.Time `json:"completed_at,omitempty"`
	// Errors are the per-item failures, partitioned by Retryable.
	Errors []BulkItemError `json:"errors,omitempty"`
}

// Clone returns a deep copy of the operation.
func (b *BulkOperation) Clone() *BulkOperation {
	out := *b
	out.Errors = make([]BulkItemError, len(b.Errors))
	copy(out.Errors, b.Errors)
	return &out
}

// Progress is the O(1) progress snapshot of a bulk operation.
type Progress struct {
	// Total is the number of submitted items.
	Total int `json:"total"`
	// Processed counts items that reached an outcome.
	Processed int `json:"processed"`
	// Succeeded counts items that succeeded.
	Succeeded int `json:"succeeded"`
	// Failed counts items that failed.
	Failed int `json:"failed"`
	// State is the current lifecycle state.
	State BulkState `json:"state"`
}
