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
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/defaults"
)

// SignerConfig configures a Signer.
type SignerConfig struct {
	// ClientID identifies the BWS partition; doubles as the token
	// subject and issuer.
	ClientID string
	// SecretKey is the partition secret. Secrets shorter than the HMAC
	// key size are extended by hashing.
	SecretKey string
	// TTL is the lifetime of a signed credential.
	TTL time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *SignerConfig) CheckAndSetDefaults() error {
	if c.ClientID == "" {
		return trace.BadParameter("missing parameter ClientID")
	}
	if c.SecretKey == "" {
		return trace.BadParameter("missing parameter SecretKey")
	}
	if c.TTL == 0 {
		c.TTL = defaults.SignerTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Signer issues short-lived HMAC-SHA512 signed bearer credentials for
// BWS calls. Tokens are cached and re-signed at 80% of their TTL.
type Signer struct {
	cfg SignerConfig
	key []byte

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

// NewSigner returns a Signer over the partition credentials.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := []byte(cfg.SecretKey)
	if len(key) < defaults.SignerKeySize {
		sum := sha512.Sum512(key)
		key = sum[:]
	}
	return &Signer{cfg: cfg, key: key}, nil
}

// Credential returns a signed bearer credential, re-signing when the
// cached one is past its refresh point.
func (s *Signer) Credential() (string, error) {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && now.Before(s.renewAt) {
		return s.token, nil
	}

	claims := jwt.RegisteredClaims{
		Subject:   s.cfg.ClientID,
		Issuer:    s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{faceauth.BWSAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(s.key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	s.token = token
	s.renewAt = now.Add(time.Duration(float64(s.cfg.TTL) * defaults.SignerRefreshRatio))
	return token, nil
}
