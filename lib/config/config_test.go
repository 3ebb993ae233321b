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

package config

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/faceauth/types"
)

func validOptions() map[string]string {
	return map[string]string{
		"clientId":        "partition-1",
		"secretKey":       "super-secret",
		"preferredRegion": "EU",
	}
}

func TestFromMapDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := FromMap(validOptions())
	require.NoError(t, err)

	require.Equal(t, 0.015, cfg.VerificationThreshold)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 4*time.Second, cfg.VerificationTimeout())
	require.Equal(t, 7*time.Second, cfg.EnrollmentTimeout())
	require.Equal(t, 730*24*time.Hour, cfg.TemplateTTL())
	require.Equal(t, 5, cfg.ChannelPoolSize)
	require.Equal(t, 30*time.Second, cfg.KeepAliveTime())
	require.Equal(t, types.LivenessModePassive, cfg.LivenessDefaultMode)
	require.True(t, cfg.LivenessEnabled)
	require.False(t, cfg.LivenessAdaptiveMode)
	require.Equal(t, 2, cfg.LivenessChallengeCount)
	require.Equal(t, 30*time.Second, cfg.LivenessChallengeTimeout())
	require.Equal(t, 100, cfg.BulkBatchSize)
	require.Equal(t, 5, cfg.BulkMaxConcurrentOperations)
}

func TestFromMapOverridesAndErrors(t *testing.T) {
	t.Parallel()

	options := validOptions()
	options["verificationThreshold"] = "0.4"
	options["livenessEnabled"] = "false"
	options["channelPoolSize"] = "2"
	cfg, err := FromMap(options)
	require.NoError(t, err)
	require.Equal(t, 0.4, cfg.VerificationThreshold)
	require.False(t, cfg.LivenessEnabled)
	require.Equal(t, 2, cfg.ChannelPoolSize)

	bad := validOptions()
	bad["verificationThreshold"] = "1.5"
	_, err = FromMap(bad)
	require.True(t, trace.IsBadParameter(err))

	typo := validOptions()
	typo["verificationTreshold"] = "0.4"
	_, err = FromMap(typo)
	require.True(t, trace.IsBadParameter(err))

	missing := validOptions()
	delete(missing, "secretKey")
	_, err = FromMap(missing)
	require.True(t, trace.IsBadParameter(err))
}

func TestReadFromBytes(t *testing.T) {
	t.Parallel()

	cfg, err := ReadFromBytes([]byte(`
clientId: partition-1
secretKey: super-secret
preferredRegion: US
verificationThreshold: 0.2
livenessAdaptiveMode: true
regions:
  US: bws-us.example.com
  EU: bws-eu.example.com
`))
	require.NoError(t, err)
	require.Equal(t, "US", cfg.PreferredRegion)
	require.Equal(t, 0.2, cfg.VerificationThreshold)
	require.True(t, cfg.LivenessAdaptiveMode)

	// The preferred region must exist in an explicit region table.
	_, err = ReadFromBytes([]byte(`
clientId: partition-1
secretKey: super-secret
preferredRegion: SA
regions:
  US: bws-us.example.com
`))
	require.True(t, trace.IsBadParameter(err))
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	cfg, err := FromMap(validOptions())
	require.NoError(t, err)
	redacted := cfg.Redacted()
	require.Equal(t, "******", redacted.SecretKey)
	require.Equal(t, "super-secret", cfg.SecretKey)
}

func TestStoreSwap(t *testing.T) {
	t.Parallel()

	cfg, err := FromMap(validOptions())
	require.NoError(t, err)
	store, err := NewStore(cfg)
	require.NoError(t, err)

	// A rejected proposal keeps the active snapshot.
	proposed := store.Current().Clone()
	proposed.VerificationThreshold = 2
	require.Error(t, store.Swap(proposed))
	require.Equal(t, 0.015, store.Current().VerificationThreshold)

	proposed = store.Current().Clone()
	proposed.VerificationThreshold = 0.25
	require.NoError(t, store.Swap(proposed))
	require.Equal(t, 0.25, store.Current().VerificationThreshold)
}

func TestEnabledLivenessModes(t *testing.T) {
	t.Parallel()

	cfg, err := FromMap(validOptions())
	require.NoError(t, err)
	require.ElementsMatch(t, []types.LivenessMode{
		types.LivenessModePassive,
		types.LivenessModeActive,
		types.LivenessModeChallengeResponse,
		types.LivenessModeCombined,
	}, cfg.EnabledLivenessModes())

	options := validOptions()
	options["livenessActiveEnabled"] = "false"
	cfg, err = FromMap(options)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.LivenessMode{
		types.LivenessModePassive,
		types.LivenessModeChallengeResponse,
	}, cfg.EnabledLivenessModes())
	require.False(t, cfg.ModeEnabled(types.LivenessModeCombined))
}
