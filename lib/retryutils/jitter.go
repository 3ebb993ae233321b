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

// Package retryutils provides retry and jitter primitives shared by the
// BWS client and the background loops.
package retryutils

import (
	"math/rand"
	"sync"
	"time"
)

// HalfJitter is a global jitter instance used for one-off jitters.
// Prefer instantiating a new jitter instance for operations that require
// repeated calls.
var HalfJitter = NewHalfJitter()

// SeventhJitter is a global jitter instance for periodic loops where a
// small spread is enough to break synchronization across replicas.
var SeventhJitter = NewSeventhJitter()

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a new jitter on the range [n/2,n). This is a large
// range and most suitable for jittering things like backoff operations
// where breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// NewSeventhJitter builds a new jitter on the range [6n/7,n). Prefer
// smaller jitters such as this when jittering periodic operations (probes,
// cleanup sweeps) since large jitters result in significantly increased
// load.
func NewSeventhJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (6 * d / 7) + time.Duration(rng.Int63n(int64(d))/7)
	}
}

// NewRatioJitter builds a symmetric jitter on the range
// [n*(1-fraction), n*(1+fraction)). Use it for backoff schedules that are
// specified as "plus or minus" a fraction of the nominal delay. Fractions
// outside (0,1) fall back to the identity.
func NewRatioJitter(fraction float64) Jitter {
	if fraction <= 0 || fraction >= 1 {
		return func(d time.Duration) time.Duration { return d }
	}
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		spread := int64(2 * fraction * float64(d))
		if spread < 1 {
			return d
		}
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(int64(float64(d)*(1-fraction)) + rng.Int63n(spread))
	}
}
