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

// Package faceauth defines the constants shared across the face
// authentication engine.
package faceauth

const (
	// ComponentKey is the logging field used to tag a log entry with the
	// component that produced it.
	ComponentKey = "component"

	// ComponentBWS is the biometric web service client: channel pools,
	// credential signing, retries and failover.
	ComponentBWS = "bws:client"

	// ComponentBWSProber is the background prober that tracks regional
	// endpoint health.
	ComponentBWSProber = "bws:prober"

	// ComponentEnroll is the enrollment workflow.
	ComponentEnroll = "enroll"

	// ComponentVerify is the verification workflow.
	ComponentVerify = "verify"

	// ComponentLiveness is the liveness detection engine.
	ComponentLiveness = "liveness"

	// ComponentLifecycle is the template lifecycle manager.
	ComponentLifecycle = "lifecycle"

	// ComponentBulk is the bulk operation engine.
	ComponentBulk = "bulk"

	// ComponentAudit is the audit event pipeline.
	ComponentAudit = "audit"

	// ComponentConfig is the configuration loader and watcher.
	ComponentConfig = "config"

	// ComponentBackend is the storage backend.
	ComponentBackend = "backend"

	// ComponentCore is the engine facade that the hosting identity
	// provider embeds.
	ComponentCore = "core"

	// ComponentCTL is the faceauthctl admin tool.
	ComponentCTL = "faceauthctl"
)

// MetricNamespace is the prometheus namespace prepended to every metric
// exported by this module.
const MetricNamespace = "faceauth"

// BWSAudience is the audience claim every signed BWS credential carries.
const BWSAudience = "BWS"

// Version is the semantic version of the engine, reported in client
// metadata on every BWS call.
const Version = "2.3.1"
