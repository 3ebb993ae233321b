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
	"sync/atomic"

	"github.com/gravitational/trace"
)

// Store publishes the current configuration snapshot. Readers get a
// consistent immutable value; writers validate and swap atomically.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore returns a store seeded with a validated configuration.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing parameter cfg")
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{}
	s.current.Store(cfg.Clone())
	return s, nil
}

// Current returns the active snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Swap validates the proposed configuration and publishes it. On
// validation failure the active snapshot is kept.
func (s *Store) Swap(proposed *Config) error {
	if proposed == nil {
		return trace.BadParameter("missing parameter proposed")
	}
	cfg := proposed.Clone()
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.current.Store(cfg)
	return nil
}
