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

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("failure")

func testConfig(clock clockwork.Clock) Config {
	return Config{
		Clock:         clock,
		Window:        10,
		TrippedPeriod: 30 * time.Second,
		RecoveryLimit: 1,
		Trip:          RatioTripper(0.5, 5),
	}
}

func execute(cb *CircuitBreaker, err error) error {
	_, executeErr := cb.Execute(func() (any, error) {
		return nil, err
	})
	return executeErr
}

func TestBreakerTripsAtFailureRatio(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb, err := New(testConfig(clock))
	require.NoError(t, err)

	// Four calls, half failing: below the minimum call count, no trip.
	require.NoError(t, execute(cb, nil))
	require.Error(t, execute(cb, errTest))
	require.NoError(t, execute(cb, nil))
	require.Error(t, execute(cb, errTest))
	require.Equal(t, StateStandby, cb.State())

	// Fifth call fails: 3/5 failures >= 50% with the minimum reached.
	require.Error(t, execute(cb, errTest))
	require.Equal(t, StateTripped, cb.State())
}

func TestBreakerRejectsWhileTripped(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb, err := New(testConfig(clock))
	require.NoError(t, err)

	for range 5 {
		require.Error(t, execute(cb, errTest))
	}
	require.Equal(t, StateTripped, cb.State())

	executed := false
	_, err = cb.Execute(func() (any, error) {
		executed = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrStateTripped)
	require.False(t, executed)
}

func TestBreakerProbeAfterTrippedPeriod(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb, err := New(testConfig(clock))
	require.NoError(t, err)

	for range 5 {
		require.Error(t, execute(cb, errTest))
	}
	require.Equal(t, StateTripped, cb.State())

	// Just short of the tripped period calls are still rejected.
	clock.Advance(29 * time.Second)
	require.ErrorIs(t, execute(cb, nil), ErrStateTripped)

	// Once elapsed a failing probe re-trips for another full period.
	clock.Advance(time.Second)
	require.Error(t, execute(cb, errTest))
	require.Equal(t, StateTripped, cb.State())
	require.ErrorIs(t, execute(cb, nil), ErrStateTripped)

	// A successful probe restores standby with a fresh window.
	clock.Advance(30 * time.Second)
	require.NoError(t, execute(cb, nil))
	require.Equal(t, StateStandby, cb.State())

	// The old failures no longer count toward tripping.
	require.Error(t, execute(cb, errTest))
	require.Equal(t, StateStandby, cb.State())
}

func TestBreakerSingleProbeInFlight(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb, err := New(testConfig(clock))
	require.NoError(t, err)

	for range 5 {
		require.Error(t, execute(cb, errTest))
	}
	clock.Advance(30 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, probeErr := cb.Execute(func() (any, error) {
			close(probeStarted)
			<-release
			return nil, nil
		})
		done <- probeErr
	}()

	<-probeStarted
	// While the probe is outstanding every other call is rejected.
	require.ErrorIs(t, execute(cb, nil), ErrStateTripped)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateStandby, cb.State())
}

func TestBreakerRollingWindowEviction(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := testConfig(clock)
	cfg.Window = 4
	cfg.Trip = RatioTripper(0.5, 4)
	cb, err := New(cfg)
	require.NoError(t, err)

	// Two early failures followed by successes: by the time the minimum
	// is reached the failures have rolled out of the window.
	require.Error(t, execute(cb, errTest))
	require.Error(t, execute(cb, errTest))
	require.Equal(t, StateStandby, cb.State())
	for range 6 {
		require.NoError(t, execute(cb, nil))
	}
	require.Equal(t, StateStandby, cb.State())
}

func TestConsecutiveFailureTripper(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := testConfig(clock)
	cfg.Trip = ConsecutiveFailureTripper(2)
	cb, err := New(cfg)
	require.NoError(t, err)

	require.Error(t, execute(cb, errTest))
	require.Error(t, execute(cb, errTest))
	require.Equal(t, StateStandby, cb.State())
	require.Error(t, execute(cb, errTest))
	require.Equal(t, StateTripped, cb.State())
}

func TestBreakerCallbacks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := testConfig(clock)
	var tripped, standby int
	var executions int
	cfg.OnTripped = func() { tripped++ }
	cfg.OnStandby = func() { standby++ }
	cfg.OnExecute = func(success bool, state State) { executions++ }
	cb, err := New(cfg)
	require.NoError(t, err)

	for range 5 {
		require.Error(t, execute(cb, errTest))
	}
	require.Equal(t, 1, tripped)

	clock.Advance(30 * time.Second)
	require.NoError(t, execute(cb, nil))
	require.Equal(t, 1, standby)
	require.Equal(t, 6, executions)
}

func TestNoopBreakerNeverTrips(t *testing.T) {
	t.Parallel()

	cb := NewNoop()
	for range 100 {
		require.Error(t, execute(cb, errTest))
	}
	require.Equal(t, StateStandby, cb.State())
}
