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

package bws

import (
	"crypto/sha512"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSignerClaims(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	signer, err := NewSigner(SignerConfig{
		ClientID:  "partition-1",
		SecretKey: "short-secret",
		TTL:       10 * time.Minute,
		Clock:     clock,
	})
	require.NoError(t, err)

	token, err := signer.Credential()
	require.NoError(t, err)

	// Short secrets are extended to the HMAC-SHA512 key size by hashing.
	extended := sha512.Sum512([]byte("short-secret"))
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		require.Equal(t, jwt.SigningMethodHS512.Alg(), tok.Method.Alg())
		return extended[:], nil
	}, jwt.WithTimeFunc(clock.Now))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	require.Equal(t, "partition-1", claims.Subject)
	require.Equal(t, "partition-1", claims.Issuer)
	require.Equal(t, jwt.ClaimStrings{"BWS"}, claims.Audience)
	require.Equal(t, 10*time.Minute, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestSignerCachesUntilRefreshPoint(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	signer, err := NewSigner(SignerConfig{
		ClientID:  "partition-1",
		SecretKey: "short-secret",
		TTL:       10 * time.Minute,
		Clock:     clock,
	})
	require.NoError(t, err)

	first, err := signer.Credential()
	require.NoError(t, err)

	// Before 80% of the TTL the cached token is served.
	clock.Advance(7 * time.Minute)
	cached, err := signer.Credential()
	require.NoError(t, err)
	require.Equal(t, first, cached)

	// Past the refresh point a fresh token is signed.
	clock.Advance(2 * time.Minute)
	fresh, err := signer.Credential()
	require.NoError(t, err)
	require.NotEqual(t, first, fresh)
}
