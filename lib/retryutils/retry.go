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

package retryutils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Retry is an interface that provides retry logic.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments retry attempt.
	Inc()
	// Duration returns retry duration, could be 0.
	Duration() time.Duration
	// After returns a time channel that fires after Duration delay,
	// could fire right away if Duration is 0.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a reset state.
	Clone() Retry
}

// ExponentialConfig sets up a retry whose delays follow a geometric
// progression.
type ExponentialConfig struct {
	// First is the delay before the first retry; can't be 0.
	First time.Duration
	// Multiplier grows the delay on every attempt; must be >= 1.
	Multiplier float64
	// Max caps the delay; can't be 0.
	Max time.Duration
	// Jitter is an optional jitter function applied to each delay. Note
	// that supplying a jitter means that successive calls to Duration may
	// return different results.
	Jitter Jitter `json:"-"`
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.First == 0 {
		return trace.BadParameter("missing parameter First")
	}
	if c.Multiplier < 1 {
		return trace.BadParameter("parameter Multiplier must be >= 1")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newExponential(cfg), nil
}

func newExponential(cfg ExponentialConfig) *Exponential {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}
}

// Exponential calculates retry delays as First*Multiplier^attempt capped
// at Max. The first call to Duration before any Inc returns zero so that
// the initial attempt runs immediately.
type Exponential struct {
	// ExponentialConfig is the retry configuration.
	ExponentialConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry to its initial state.
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Inc increments the attempt counter.
func (r *Exponential) Inc() {
	r.attempt++
}

// Attempt returns the current attempt counter.
func (r *Exponential) Attempt() int64 {
	return r.attempt
}

// Clone creates an identical copy of Exponential with fresh state.
func (r *Exponential) Clone() Retry {
	return newExponential(r.ExponentialConfig)
}

// Duration returns the retry duration based on state.
func (r *Exponential) Duration() time.Duration {
	if r.attempt < 1 {
		return 0
	}
	d := float64(r.First)
	for i := int64(1); i < r.attempt; i++ {
		d *= r.Multiplier
		if d >= float64(r.Max) {
			break
		}
	}
	a := time.Duration(d)
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	if a > r.Max {
		a = r.Max
	}
	return a
}

// After returns a channel that fires after the delay defined by the
// Duration method; as a special case a zero Duration yields a closed
// channel.
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the retry.
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// For retries the provided function until it succeeds, returns a permanent
// error, or the context expires.
func (r *Exponential) For(ctx context.Context, retryFn func() error) error {
	for {
		err := retryFn()
		if err == nil {
			return nil
		}
		var permanent *permanentRetryError
		if errors.As(err, &permanent) {
			return trace.Wrap(err)
		}
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded("%s", ctx.Err().Error())
		}
	}
}

// PermanentRetryError returns a new instance of a permanent retry error.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

// permanentRetryError indicates that a retry loop should stop.
type permanentRetryError struct {
	err error
}

// Error returns the original error message.
func (e *permanentRetryError) Error() string {
	return e.err.Error()
}

// Unwrap returns the original error.
func (e *permanentRetryError) Unwrap() error {
	return e.err
}
