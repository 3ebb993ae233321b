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

// Package config loads, validates and snapshots the engine
// configuration. A Config is immutable once published: updates build a
// new value, validate it, and atomically swap it into the Store.
package config

import (
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/types"
)

// Config is the flat engine configuration. Duration-valued options are
// expressed in the unit their key names (seconds, hours, days, minutes)
// to match the host's option bag; accessors convert.
type Config struct {
	// ClientID identifies the BWS partition.
	ClientID string `yaml:"clientId"`
	// SecretKey signs BWS bearer credentials. Never logged.
	SecretKey string `yaml:"secretKey"`

	// Endpoint overrides the preferred region's endpoint host when set.
	Endpoint string `yaml:"endpoint,omitempty"`
	// PreferredRegion is the region new calls route to while healthy.
	PreferredRegion string `yaml:"preferredRegion"`
	// FailoverEnabled permits routing to alternate regions when the
	// preferred one is unhealthy.
	FailoverEnabled bool `yaml:"failoverEnabled"`
	// DataResidencyRequired pins calls to the preferred region even when
	// it is unhealthy.
	DataResidencyRequired bool `yaml:"dataResidencyRequired"`
	// Regions overrides the region to endpoint host mapping.
	Regions map[string]string `yaml:"regions,omitempty"`

	// VerificationThreshold is the score cutoff in [0,1]; a verification
	// passes when score >= threshold.
	VerificationThreshold float64 `yaml:"verificationThreshold"`
	// MaxRetries is the per-session verification attempt budget.
	MaxRetries int `yaml:"maxRetries"`
	// VerificationTimeoutSeconds bounds a verification call.
	VerificationTimeoutSeconds int `yaml:"verificationTimeoutSeconds"`
	// EnrollmentTimeoutSeconds bounds an enrollment call.
	EnrollmentTimeoutSeconds int `yaml:"enrollmentTimeoutSeconds"`
	// EnrollmentMaxImages caps the enrollment capture set.
	EnrollmentMaxImages int `yaml:"enrollmentMaxImages"`

	// TemplateTtlDays is the credential lifetime.
	TemplateTtlDays int `yaml:"templateTtlDays"`
	// TemplateCleanupIntervalHours is the expired credential sweep
	// cadence.
	TemplateCleanupIntervalHours int `yaml:"templateCleanupIntervalHours"`

	// ChannelPoolSize is the number of channels kept per region.
	ChannelPoolSize int `yaml:"channelPoolSize"`
	// KeepAliveTimeSeconds is the channel keep-alive ping interval.
	KeepAliveTimeSeconds int `yaml:"keepAliveTimeSeconds"`
	// GrpcRetryMaxAttempts caps attempts per logical call.
	GrpcRetryMaxAttempts int `yaml:"grpcRetryMaxAttempts"`
	// GrpcRetryBackoffMultiplier grows the delay between attempts.
	GrpcRetryBackoffMultiplier float64 `yaml:"grpcRetryBackoffMultiplier"`

	// LivenessEnabled gates liveness during verification.
	LivenessEnabled bool `yaml:"livenessEnabled"`
	// LivenessPassiveEnabled enables the passive mode.
	LivenessPassiveEnabled bool `yaml:"livenessPassiveEnabled"`
	// LivenessActiveEnabled enables the active (smile) mode.
	LivenessActiveEnabled bool `yaml:"livenessActiveEnabled"`
	// LivenessChallengeResponseEnabled enables the challenge-response
	// mode.
	LivenessChallengeResponseEnabled bool `yaml:"livenessChallengeResponseEnabled"`
	// LivenessDefaultMode is used when neither the caller nor adaptive
	// selection picks a mode.
	LivenessDefaultMode types.LivenessMode `yaml:"livenessDefaultMode"`
	// LivenessConfidenceThreshold gates the BWS liveness score.
	LivenessConfidenceThreshold float64 `yaml:"livenessConfidenceThreshold"`
	// LivenessMaxOverheadMs is the passive-mode processing budget.
	LivenessMaxOverheadMs int `yaml:"livenessMaxOverheadMs"`
	// LivenessAdaptiveMode maps caller risk levels to modes.
	LivenessAdaptiveMode bool `yaml:"livenessAdaptiveMode"`
	// LivenessChallengeCount is the number of requested head movements.
	LivenessChallengeCount int `yaml:"livenessChallengeCount"`
	// LivenessChallengeTimeoutSeconds bounds a minted challenge.
	LivenessChallengeTimeoutSeconds int `yaml:"livenessChallengeTimeoutSeconds"`

	// BulkMaxConcurrentOperations caps bulk operations running at once.
	BulkMaxConcurrentOperations int `yaml:"bulkMaxConcurrentOperations"`
	// BulkBatchSize is the dispatch batch size.
	BulkBatchSize int `yaml:"bulkBatchSize"`
	// BulkOperationTimeoutMinutes bounds a whole bulk operation.
	BulkOperationTimeoutMinutes int `yaml:"bulkOperationTimeoutMinutes"`
	// BulkWorkers is the bulk worker pool size.
	BulkWorkers int `yaml:"bulkWorkers"`
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
// A validation error here is fatal at startup and rejects a proposed
// snapshot at runtime.
func (c *Config) CheckAndSetDefaults() error {
	if c.ClientID == "" {
		return trace.BadParameter("missing parameter clientId")
	}
	if c.SecretKey == "" {
		return trace.BadParameter("missing parameter secretKey")
	}
	if c.PreferredRegion == "" {
		return trace.BadParameter("missing parameter preferredRegion")
	}
	if c.VerificationThreshold == 0 {
		c.VerificationThreshold = defaults.VerificationThreshold
	}
	if c.VerificationThreshold < 0 || c.VerificationThreshold > 1 {
		return trace.BadParameter("verificationThreshold %v outside [0,1]", c.VerificationThreshold)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.VerifySessionAttempts
	}
	if c.VerificationTimeoutSeconds == 0 {
		c.VerificationTimeoutSeconds = int(defaults.VerifyDeadline / time.Second)
	}
	if c.EnrollmentTimeoutSeconds == 0 {
		c.EnrollmentTimeoutSeconds = int(defaults.EnrollDeadline / time.Second)
	}
	if c.EnrollmentMaxImages == 0 {
		c.EnrollmentMaxImages = defaults.EnrollmentMaxImages
	}
	if c.EnrollmentMaxImages < defaults.EnrollmentMinImages || c.EnrollmentMaxImages > defaults.EnrollmentImageCap {
		return trace.BadParameter("enrollmentMaxImages %v outside [%v,%v]",
			c.EnrollmentMaxImages, defaults.EnrollmentMinImages, defaults.EnrollmentImageCap)
	}
	if c.TemplateTtlDays == 0 {
		c.TemplateTtlDays = int(defaults.TemplateTTL / (24 * time.Hour))
	}
	if c.TemplateTtlDays < 0 {
		return trace.BadParameter("templateTtlDays must be positive, got %v", c.TemplateTtlDays)
	}
	if c.TemplateCleanupIntervalHours == 0 {
		c.TemplateCleanupIntervalHours = int(defaults.TemplateCleanupInterval / time.Hour)
	}
	if c.ChannelPoolSize == 0 {
		c.ChannelPoolSize = defaults.ChannelPoolSize
	}
	if c.ChannelPoolSize < 1 {
		return trace.BadParameter("channelPoolSize must be at least 1, got %v", c.ChannelPoolSize)
	}
	if c.KeepAliveTimeSeconds == 0 {
		c.KeepAliveTimeSeconds = int(defaults.KeepAliveTime / time.Second)
	}
	if c.GrpcRetryMaxAttempts == 0 {
		c.GrpcRetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if c.GrpcRetryBackoffMultiplier == 0 {
		c.GrpcRetryBackoffMultiplier = defaults.RetryMultiplier
	}
	if c.GrpcRetryBackoffMultiplier < 1 {
		return trace.BadParameter("grpcRetryBackoffMultiplier must be >= 1, got %v", c.GrpcRetryBackoffMultiplier)
	}
	if c.LivenessDefaultMode == "" {
		c.LivenessDefaultMode = types.LivenessModePassive
	}
	if err := c.LivenessDefaultMode.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.LivenessConfidenceThreshold == 0 {
		c.LivenessConfidenceThreshold = defaults.LivenessConfidenceThreshold
	}
	if c.LivenessConfidenceThreshold < 0 || c.LivenessConfidenceThreshold > 1 {
		return trace.BadParameter("livenessConfidenceThreshold %v outside [0,1]", c.LivenessConfidenceThreshold)
	}
	if c.LivenessMaxOverheadMs == 0 {
		c.LivenessMaxOverheadMs = int(defaults.LivenessPassiveBudget / time.Millisecond)
	}
	if c.LivenessChallengeCount == 0 {
		c.LivenessChallengeCount = defaults.LivenessChallengeCount
	}
	if c.LivenessChallengeCount < 1 || c.LivenessChallengeCount > len(types.Directions) {
		return trace.BadParameter("livenessChallengeCount %v outside [1,%v]", c.LivenessChallengeCount, len(types.Directions))
	}
	if c.LivenessChallengeTimeoutSeconds == 0 {
		c.LivenessChallengeTimeoutSeconds = int(defaults.LivenessChallengeTimeout / time.Second)
	}
	if c.BulkMaxConcurrentOperations == 0 {
		c.BulkMaxConcurrentOperations = defaults.BulkMaxConcurrentOperations
	}
	if c.BulkBatchSize == 0 {
		c.BulkBatchSize = defaults.BulkBatchSize
	}
	if c.BulkOperationTimeoutMinutes == 0 {
		c.BulkOperationTimeoutMinutes = int(defaults.BulkOperationTimeout / time.Minute)
	}
	if c.BulkWorkers == 0 {
		c.BulkWorkers = defaults.BulkWorkers
	}
	if c.Regions != nil {
		if _, ok := c.Regions[c.PreferredRegion]; !ok {
			return trace.BadParameter("preferredRegion %q is not present in the configured regions", c.PreferredRegion)
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Regions = maps.Clone(c.Regions)
	return &out
}

// Redacted returns a copy safe for logging.
func (c *Config) Redacted() *Config {
	out := c.Clone()
	if out.SecretKey != "" {
		out.SecretKey = "******"
	}
	return out
}

// VerificationTimeout returns the verification deadline as a duration.
func (c *Config) VerificationTimeout() time.Duration {
	return time.Duration(c.VerificationTimeoutSeconds) * time.Second
}

// EnrollmentTimeout returns the enrollment deadline as a duration.
func (c *Config) EnrollmentTimeout() time.Duration {
	return time.Duration(c.EnrollmentTimeoutSeconds) * time.Second
}

// TemplateTTL returns the credential lifetime as a duration.
func (c *Config) TemplateTTL() time.Duration {
	return time.Duration(c.TemplateTtlDays) * 24 * time.Hour
}

// TemplateCleanupInterval returns the sweep cadence as a duration.
func (c *Config) TemplateCleanupInterval() time.Duration {
	return time.Duration(c.TemplateCleanupIntervalHours) * time.Hour
}

// KeepAliveTime returns the keep-alive interval as a duration.
func (c *Config) KeepAliveTime() time.Duration {
	return time.Duration(c.KeepAliveTimeSeconds) * time.Second
}

// LivenessMaxOverhead returns the passive processing budget as a
// duration.
func (c *Config) LivenessMaxOverhead() time.Duration {
	return time.Duration(c.LivenessMaxOverheadMs) * time.Millisecond
}

// LivenessChallengeTimeout returns the challenge lifetime as a duration.
func (c *Config) LivenessChallengeTimeout() time.Duration {
	return time.Duration(c.LivenessChallengeTimeoutSeconds) * time.Second
}

// BulkOperationTimeout returns the bulk deadline as a duration.
func (c *Config) BulkOperationTimeout() time.Duration {
	return time.Duration(c.BulkOperationTimeoutMinutes) * time.Minute
}

// EnabledLivenessModes returns the liveness modes the configuration
// permits.
func (c *Config) EnabledLivenessModes() []types.LivenessMode {
	var modes []types.LivenessMode
	if c.LivenessPassiveEnabled {
		modes = append(modes, types.LivenessModePassive)
	}
	if c.LivenessActiveEnabled {
		modes = append(modes, types.LivenessModeActive)
	}
	if c.LivenessChallengeResponseEnabled {
		modes = append(modes, types.LivenessModeChallengeResponse)
	}
	if c.LivenessPassiveEnabled && c.LivenessActiveEnabled {
		modes = append(modes, types.LivenessModeCombined)
	}
	return modes
}

// ModeEnabled reports whether the configuration permits the mode.
func (c *Config) ModeEnabled(mode types.LivenessMode) bool {
	return slices.Contains(c.EnabledLivenessModes(), mode)
}

// NewDefault returns a configuration with every optional field at its
// default. Liveness is on with every mode enabled; the caller supplies
// credentials and the preferred region.
func NewDefault() *Config {
	return &Config{
		FailoverEnabled:                  true,
		LivenessEnabled:                  true,
		LivenessPassiveEnabled:           true,
		LivenessActiveEnabled:            true,
		LivenessChallengeResponseEnabled: true,
	}
}

// FromMap builds a configuration from the host's flat string option bag,
// starting from defaults. Unknown keys are rejected so that typos do not
// silently disable options.
func FromMap(options map[string]string) (*Config, error) {
	cfg := NewDefault()
	for key, value := range options {
		if err := cfg.setOption(key, value); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func (c *Config) setOption(key, value string) error {
	switch key {
	case "clientId":
		c.ClientID = value
	case "secretKey":
		c.SecretKey = value
	case "endpoint":
		c.Endpoint = value
	case "preferredRegion":
		c.PreferredRegion = value
	case "livenessDefaultMode":
		c.LivenessDefaultMode = types.LivenessMode(value)
	default:
		if target, ok := c.boolOption(key); ok {
			v, err := strconv.ParseBool(value)
			if err != nil {
				return trace.BadParameter("option %q: invalid boolean %q", key, value)
			}
			*target = v
			return nil
		}
		if target, ok := c.intOption(key); ok {
			v, err := strconv.Atoi(value)
			if err != nil {
				return trace.BadParameter("option %q: invalid integer %q", key, value)
			}
			*target = v
			return nil
		}
		if target, ok := c.floatOption(key); ok {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return trace.BadParameter("option %q: invalid number %q", key, value)
			}
			*target = v
			return nil
		}
		return trace.BadParameter("unrecognized option %q", key)
	}
	return nil
}

func (c *Config) boolOption(key string) (*bool, bool) {
	m := map[string]*bool{
		"failoverEnabled":                  &c.FailoverEnabled,
		"dataResidencyRequired":            &c.DataResidencyRequired,
		"livenessEnabled":                  &c.LivenessEnabled,
		"livenessPassiveEnabled":           &c.LivenessPassiveEnabled,
		"livenessActiveEnabled":            &c.LivenessActiveEnabled,
		"livenessChallengeResponseEnabled": &c.LivenessChallengeResponseEnabled,
		"livenessAdaptiveMode":             &c.LivenessAdaptiveMode,
	}
	target, ok := m[key]
	return target, ok
}

func (c *Config) intOption(key string) (*int, bool) {
	m := map[string]*int{
		"maxRetries":                      &c.MaxRetries,
		"verificationTimeoutSeconds":      &c.VerificationTimeoutSeconds,
		"enrollmentTimeoutSeconds":        &c.EnrollmentTimeoutSeconds,
		"enrollmentMaxImages":             &c.EnrollmentMaxImages,
		"templateTtlDays":                 &c.TemplateTtlDays,
		"templateCleanupIntervalHours":    &c.TemplateCleanupIntervalHours,
		"channelPoolSize":                 &c.ChannelPoolSize,
		"keepAliveTimeSeconds":            &c.KeepAliveTimeSeconds,
		"grpcRetryMaxAttempts":            &c.GrpcRetryMaxAttempts,
		"livenessMaxOverheadMs":           &c.LivenessMaxOverheadMs,
		"livenessChallengeCount":          &c.LivenessChallengeCount,
		"livenessChallengeTimeoutSeconds": &c.LivenessChallengeTimeoutSeconds,
		"bulkMaxConcurrentOperations":     &c.BulkMaxConcurrentOperations,
		"bulkBatchSize":                   &c.BulkBatchSize,
		"bulkOperationTimeoutMinutes":     &c.BulkOperationTimeoutMinutes,
		"bulkWorkers":                     &c.BulkWorkers,
	}
	target, ok := m[key]
	return target, ok
}

func (c *Config) floatOption(key string) (*float64, bool) {
	m := map[string]*float64{
		"verificationThreshold":       &c.VerificationThreshold,
		"grpcRetryBackoffMultiplier":  &c.GrpcRetryBackoffMultiplier,
		"livenessConfidenceThreshold": &c.LivenessConfidenceThreshold,
	}
	target, ok := m[key]
	return target, ok
}

// ReadFromFile loads and validates a YAML configuration file.
func ReadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	cfg, err := ReadFromBytes(data)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse %v", path)
	}
	return cfg, nil
}

// ReadFromBytes parses and validates a YAML configuration document.
func ReadFromBytes(data []byte) (*Config, error) {
	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, trace.BadParameter("invalid configuration: %v", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}
