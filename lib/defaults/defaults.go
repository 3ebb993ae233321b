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

// Package defaults contains the default constants used across the face
// authentication engine. Every value here can be overridden through
// lib/config; these are the values that apply when the host supplies
// nothing.
package defaults

import "time"

// BWS transport defaults.
const (
	// BWSPort is the TLS port every regional BWS endpoint listens on.
	BWSPort = 443

	// ChannelPoolSize is the number of long-lived channels kept per region.
	ChannelPoolSize = 5

	// KeepAliveTime is the interval between keep-alive pings on an idle
	// channel.
	KeepAliveTime = 30 * time.Second

	// KeepAliveCountMax is the number of missed keep-alive replies after
	// which a channel is considered dead.
	KeepAliveCountMax = 3

	// ChannelMaxConsecutiveFailures is the number of consecutive transport
	// failures after which a pooled channel is recycled.
	ChannelMaxConsecutiveFailures = 3
)

// Credential signer defaults.
const (
	// SignerTokenTTL is the lifetime of a signed BWS bearer credential.
	SignerTokenTTL = 10 * time.Minute

	// SignerRefreshRatio is the fraction of the token TTL after which a
	// cached credential is re-signed.
	SignerRefreshRatio = 0.8

	// SignerKeySize is the HMAC-SHA512 key size in bytes. Shorter secrets
	// are extended by hashing.
	SignerKeySize = 64
)

// Retry defaults, applied to transient transport failures only.
const (
	// RetryMaxAttempts caps the total attempts of a single logical call.
	RetryMaxAttempts = 3

	// RetryInitialBackoff is the delay before the first retry.
	RetryInitialBackoff = 100 * time.Millisecond

	// RetryMultiplier grows the backoff between consecutive retries.
	RetryMultiplier = 2.0

	// RetryJitterFraction is the maximum relative jitter applied to each
	// backoff interval.
	RetryJitterFraction = 0.25
)

// Circuit breaker defaults, tracked per BWS operation.
const (
	// BreakerWindow is the size of the rolling call window the failure
	// ratio is computed over.
	BreakerWindow = 10

	// BreakerMinimumCalls is the number of calls that must be observed in
	// the window before the breaker may trip.
	BreakerMinimumCalls = 5

	// BreakerFailureRatio trips the breaker when reached.
	BreakerFailureRatio = 0.5

	// BreakerTrippedPeriod is how long a tripped breaker rejects calls
	// before letting a probe through.
	BreakerTrippedPeriod = 30 * time.Second

	// BreakerRecoveryProbes is the number of consecutive probe successes
	// required to close a recovering breaker.
	BreakerRecoveryProbes = 1
)

// Regional failover defaults.
const (
	// RegionProbeInterval is how often the preferred region's health is
	// probed.
	RegionProbeInterval = 30 * time.Second

	// RegionUnhealthyThreshold is the number of consecutive failed probes
	// after which a region is demoted.
	RegionUnhealthyThreshold = 3

	// RegionHealthyThreshold is the number of consecutive successful
	// probes after which a demoted region is re-promoted.
	RegionHealthyThreshold = 2

	// ServiceHealthCacheTTL bounds how long a service health snapshot is
	// served from cache.
	ServiceHealthCacheTTL = 15 * time.Second
)

// Per-operation call deadlines. Callers with an earlier context deadline
// win; these bound calls that arrive without one.
const (
	// EnrollDeadline bounds template creation calls.
	EnrollDeadline = 7 * time.Second

	// VerifyDeadline bounds one-to-one verification calls.
	VerifyDeadline = 4 * time.Second

	// LivenessDeadline bounds liveness detection calls.
	LivenessDeadline = 1 * time.Second

	// StatusDeadline bounds template status calls.
	StatusDeadline = 3 * time.Second

	// DeleteDeadline bounds template deletion calls.
	DeleteDeadline = 3 * time.Second
)

// Enrollment defaults.
const (
	// EnrollmentMinImages is the smallest accepted capture set.
	EnrollmentMinImages = 2

	// EnrollmentMaxImages is the default largest accepted capture set.
	EnrollmentMaxImages = 8

	// EnrollmentImageCap is the hard ceiling the configured maximum can
	// never exceed.
	EnrollmentImageCap = 16

	// ImageMinSize rejects obviously truncated captures.
	ImageMinSize = 1024

	// ImageMaxSize rejects oversized captures before they reach the wire.
	ImageMaxSize = 10 * 1024 * 1024

	// TemplateIDAllocationRetries bounds collision retries when reserving
	// a fresh template id.
	TemplateIDAllocationRetries = 5
)

// Verification defaults.
const (
	// VerificationThreshold is the default score cutoff. Scores are
	// normalized to [0,1] where higher means a closer match; a
	// verification passes when score >= threshold.
	VerificationThreshold = 0.015

	// VerifySessionAttempts is the per-authentication-session retry
	// budget tracked in the host's session scratch.
	VerifySessionAttempts = 3
)

// Liveness defaults.
const (
	// LivenessConfidenceThreshold gates the BWS liveness score.
	LivenessConfidenceThreshold = 0.5

	// LivenessChallengeCount is the number of head movements a
	// challenge-response run requests.
	LivenessChallengeCount = 2

	// LivenessChallengeTimeout bounds how long a minted challenge stays
	// valid.
	LivenessChallengeTimeout = 30 * time.Second

	// LivenessPassiveBudget is the processing overhead budget for the
	// passive mode.
	LivenessPassiveBudget = 200 * time.Millisecond

	// LivenessActiveBudget is the processing overhead budget for the
	// active (smile) mode.
	LivenessActiveBudget = 500 * time.Millisecond

	// LivenessChallengeBudget is the processing overhead budget for the
	// challenge-response mode.
	LivenessChallengeBudget = 1000 * time.Millisecond

	// ChallengeRegistrySize bounds the single-use challenge registry.
	ChallengeRegistrySize = 4096
)

// Template lifecycle defaults.
const (
	// TemplateTTL is the default credential lifetime (two years).
	TemplateTTL = 730 * 24 * time.Hour

	// TemplateCleanupInterval is the cadence of the expired-template
	// sweeper.
	TemplateCleanupInterval = 24 * time.Hour

	// TemplateExpiringSoonWindow classifies templates whose expiry is
	// nearer than this as expiring_soon in health reports.
	TemplateExpiringSoonWindow = 30 * 24 * time.Hour
)

// Deletion request defaults.
const (
	// DeletionEscalationAge flags pending requests older than this for
	// admin escalation.
	DeletionEscalationAge = 5 * 24 * time.Hour

	// DeletionMaxRetries caps processing retries of a failed deletion
	// before the request becomes terminally FAILED.
	DeletionMaxRetries = 3

	// DeletionRetryBackoff is the base backoff between deletion
	// processing retries, doubled on each attempt.
	DeletionRetryBackoff = time.Minute
)

// Bulk engine defaults.
const (
	// BulkWorkers is the size of the shared bulk worker pool.
	BulkWorkers = 10

	// BulkBatchSize is the number of items dispatched per batch.
	BulkBatchSize = 100

	// BulkMaxConcurrentOperations caps operations running at once;
	// submissions beyond it are rejected as busy.
	BulkMaxConcurrentOperations = 5

	// BulkOperationTimeout bounds a whole bulk operation.
	BulkOperationTimeout = 30 * time.Minute

	// BulkRetention is how long terminal operations stay queryable.
	BulkRetention = 7 * 24 * time.Hour

	// OperationQueueBound is the per-operation queue depth after which
	// single-call submissions are rejected as busy.
	OperationQueueBound = 64

	// BatchStatusConcurrency bounds the fan-out of batched template
	// status lookups.
	BatchStatusConcurrency = 8
)

// Audit defaults.
const (
	// AsyncEmitterBufferSize is the queue depth of the non-blocking audit
	// emitter; events beyond it are dropped and counted.
	AsyncEmitterBufferSize = 1024
)
