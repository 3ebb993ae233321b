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

// Package breaker implements a circuit breaker over a rolling window of
// call outcomes. A breaker in standby admits every call; when the
// configured trip function fires it rejects calls for a fixed period, then
// admits a limited number of probes before returning to standby.
package breaker

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/faceauth/lib/defaults"
)

// State represents the operating mode of a CircuitBreaker.
type State int

const (
	// StateStandby indicates the breaker is passing all requests and
	// watching metrics.
	StateStandby State = iota
	// StateTripped indicates too many errors have occurred and requests
	// are actively being rejected.
	StateTripped
	// StateRecovering indicates the breaker is allowing probe requests
	// through to determine whether it can transition back to standby.
	StateRecovering
)

// String returns the textual representation of the state.
func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateTripped:
		return "tripped"
	case StateRecovering:
		return "recovering"
	default:
		return "undefined"
	}
}

// ErrStateTripped is returned without executing the call when the breaker
// is rejecting requests.
var ErrStateTripped = &trace.ConnectionProblemError{Message: "breaker is tripped"}

// Metrics tallies the outcomes a breaker bases its decisions on.
// Executions, Successes and Failures cover the rolling window of the most
// recent calls; the consecutive counters span windows.
type Metrics struct {
	// Executions is the number of calls observed in the window.
	Executions uint32
	// Successes is the number of successful calls in the window.
	Successes uint32
	// Failures is the number of failed calls in the window.
	Failures uint32
	// ConsecutiveSuccesses is the current run of successful calls.
	ConsecutiveSuccesses uint32
	// ConsecutiveFailures is the current run of failed calls.
	ConsecutiveFailures uint32
}

// TripFn determines from the metrics whether the breaker should trip.
type TripFn = func(m Metrics) bool

// RatioTripper returns a TripFn that trips once at least minExecutions
// calls sit in the window and the failed fraction reaches ratio.
func RatioTripper(ratio float64, minExecutions uint32) TripFn {
	return func(m Metrics) bool {
		if m.Executions < minExecutions {
			return false
		}
		return float64(m.Failures)/float64(m.Executions) >= ratio
	}
}

// ConsecutiveFailureTripper returns a TripFn that trips after max
// consecutive failures.
func ConsecutiveFailureTripper(max uint32) TripFn {
	return func(m Metrics) bool {
		return m.ConsecutiveFailures > max
	}
}

// StaticTripper returns a TripFn that always returns the provided value.
// Useful for testing.
func StaticTripper(trip bool) TripFn {
	return func(Metrics) bool {
		return trip
	}
}

// Config contains configuration of the CircuitBreaker.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// Window is the size of the rolling call window metrics are computed
	// over.
	Window uint32
	// TrippedPeriod is how long the breaker rejects requests after
	// tripping, before it starts probing.
	TrippedPeriod time.Duration
	// RecoveryLimit is the number of consecutive successful probes
	// required to transition from recovering back to standby.
	RecoveryLimit uint32
	// Trip decides from the metrics whether to transition from standby to
	// tripped.
	Trip TripFn
	// IsSuccessful classifies an execution outcome. Defaults to err == nil.
	IsSuccessful func(v any, err error) bool
	// OnTripped is called when the breaker enters the tripped state;
	// called on the execution goroutine while state is locked out.
	OnTripped func()
	// OnStandby is called when the breaker returns to standby.
	OnStandby func()
	// OnExecute is called on every completed execution with the outcome
	// classification and the state the breaker was in.
	OnExecute func(success bool, state State)
	// TrippedErrorMessage overrides the message of the error returned
	// while tripped.
	TrippedErrorMessage string
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Window == 0 {
		c.Window = defaults.BreakerWindow
	}
	if c.TrippedPeriod == 0 {
		c.TrippedPeriod = defaults.BreakerTrippedPeriod
	}
	if c.RecoveryLimit == 0 {
		c.RecoveryLimit = defaults.BreakerRecoveryProbes
	}
	if c.Trip == nil {
		c.Trip = RatioTripper(defaults.BreakerFailureRatio, defaults.BreakerMinimumCalls)
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(_ any, err error) bool { return err == nil }
	}
	return nil
}

// Clone returns a copy of the Config.
func (c Config) Clone() Config {
	return c
}

// DefaultBreakerConfig returns a Config with the standard engine breaker
// settings.
func DefaultBreakerConfig(clock clockwork.Clock) Config {
	return Config{
		Clock:         clock,
		Window:        defaults.BreakerWindow,
		TrippedPeriod: defaults.BreakerTrippedPeriod,
		RecoveryLimit: defaults.BreakerRecoveryProbes,
		Trip:          RatioTripper(defaults.BreakerFailureRatio, defaults.BreakerMinimumCalls),
	}
}

// NoopBreakerConfig returns a Config for a breaker that never trips.
func NoopBreakerConfig() Config {
	return Config{Trip: StaticTripper(false)}
}

// NewNoop returns a breaker that never trips. Useful for testing.
func NewNoop() *CircuitBreaker {
	cb, _ := New(NoopBreakerConfig())
	return cb
}
