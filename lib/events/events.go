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

// Package events defines the audit events emitted at every component
// boundary of the engine and the sinks that deliver them to the host.
// Audit delivery is best effort: a lost event is counted, a blocked
// authentication is not an acceptable trade.
package events

import (
	"context"
	"time"
)

// Audit event types, one per auditable operation.
const (
	// EnrollEvent is emitted when an enrollment concludes.
	EnrollEvent = "faceauth.enroll"
	// VerifyEvent is emitted when a verification concludes.
	VerifyEvent = "faceauth.verify"
	// LivenessEvent is emitted when a liveness run concludes.
	LivenessEvent = "faceauth.liveness"
	// TemplateUpgradeEvent is emitted when an encoder upgrade concludes.
	TemplateUpgradeEvent = "faceauth.template.upgrade"
	// TemplateDeleteEvent is emitted when a template deletion concludes.
	TemplateDeleteEvent = "faceauth.template.delete"
	// TemplateIDChangeEvent is emitted whenever a stored template id is
	// replaced, which only a re-enrollment after deletion may do.
	TemplateIDChangeEvent = "faceauth.template.id_change"
	// TemplateCleanupEvent is emitted per expired credential the sweeper
	// removes.
	TemplateCleanupEvent = "faceauth.template.cleanup"
	// DeletionRequestEvent is emitted on every deletion request state
	// transition.
	DeletionRequestEvent = "faceauth.deletion_request"
	// DeletionEscalatedEvent is emitted when a pending deletion request
	// ages past the escalation threshold.
	DeletionEscalatedEvent = "faceauth.deletion_request.escalated"
	// BulkOperationEvent is emitted on bulk operation lifecycle changes.
	BulkOperationEvent = "faceauth.bulk_operation"
	// RegionFailoverEvent is emitted when the BWS router demotes or
	// re-promotes a region.
	RegionFailoverEvent = "faceauth.region.failover"
	// ConfigSwapEvent is emitted when a proposed configuration snapshot
	// is accepted.
	ConfigSwapEvent = "faceauth.config.swap"
)

// Event codes. The letter suffix encodes severity: I info, W warning,
// E error.
const (
	// EnrollSuccessCode is the successful enrollment code.
	EnrollSuccessCode = "FA1001I"
	// EnrollFailureCode is the rejected or failed enrollment code.
	EnrollFailureCode = "FA1002W"
	// VerifySuccessCode is the successful verification code.
	VerifySuccessCode = "FA2001I"
	// VerifyFailureCode is the failed verification code.
	VerifyFailureCode = "FA2002W"
	// LivenessPassCode is the passed liveness code.
	LivenessPassCode = "FA3001I"
	// LivenessFailCode is the failed liveness code.
	LivenessFailCode = "FA3002W"
	// TemplateUpgradeCode is the encoder upgrade code.
	TemplateUpgradeCode = "FA4001I"
	// TemplateUpgradeFailureCode is the failed encoder upgrade code.
	TemplateUpgradeFailureCode = "FA4002W"
	// TemplateDeleteCode is the template deletion code.
	TemplateDeleteCode = "FA4003I"
	// TemplateIDChangeCode is the template id replacement code.
	TemplateIDChangeCode = "FA4004W"
	// TemplateCleanupCode is the expired credential sweep code.
	TemplateCleanupCode = "FA4005I"
	// DeletionRequestCode is the deletion request transition code.
	DeletionRequestCode = "FA5001I"
	// DeletionRequestFailureCode is the failed deletion processing code.
	DeletionRequestFailureCode = "FA5002E"
	// DeletionEscalatedCode is the stale pending request code.
	DeletionEscalatedCode = "FA5003W"
	// BulkOperationCode is the bulk operation lifecycle code.
	BulkOperationCode = "FA6001I"
	// RegionFailoverCode is the regional failover code.
	RegionFailoverCode = "FA7001W"
	// ConfigSwapCode is the configuration swap code.
	ConfigSwapCode = "FA8001I"
)

// Metadata is common to every audit event.
type Metadata struct {
	// ID is a unique event id.
	ID string `json:"id"`
	// Type is the event type constant.
	Type string `json:"type"`
	// Code is the event code constant.
	Code string `json:"code"`
	// Time is the event timestamp.
	Time time.Time `json:"time"`
	// Realm scopes the event.
	Realm string `json:"realm,omitempty"`
}

// Outcome records how the audited operation concluded.
type Outcome struct {
	// Success reports whether the operation succeeded.
	Success bool `json:"success"`
	// Error is the classified failure reason on failure.
	Error string `json:"error,omitempty"`
}

// AuditEvent is a structured audit record delivered to the host's sink.
type AuditEvent struct {
	Metadata
	// User is the subject of the operation, when one exists.
	User string `json:"user,omitempty"`
	// Actor is who drove the operation: the user for authentication
	// flows, the admin for administrative ones.
	Actor string `json:"actor,omitempty"`
	// RemoteAddr is the network peer of the triggering request.
	RemoteAddr string `json:"remote_addr,omitempty"`
	// SessionID ties the event to a host authentication session.
	SessionID string `json:"session_id,omitempty"`
	// CorrelationID groups the events of one logical operation.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Outcome is the result of the operation.
	Outcome Outcome `json:"outcome"`
	// Fields carries operation-specific details: scores, thresholds,
	// template ids, states. Values must be plain JSON scalars.
	Fields map[string]any `json:"fields,omitempty"`
}

// Emitter delivers audit events.
type Emitter interface {
	// EmitAuditEvent delivers a single event. Implementations should be
	// fast; the engine treats delivery as best effort.
	EmitAuditEvent(ctx context.Context, event *AuditEvent) error
}
