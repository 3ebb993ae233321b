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
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// CircuitBreaker tracks the outcomes of the calls routed through it and
// rejects calls while tripped. Safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	expiry        time.Time
	probeInflight bool
	outcomes      []bool
	next          int
	metrics       Metrics
	trippedErr    error
}

// New returns a CircuitBreaker configured with the provided Config.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cb := &CircuitBreaker{
		cfg:        cfg,
		outcomes:   make([]bool, 0, cfg.Window),
		trippedErr: ErrStateTripped,
	}
	if cfg.TrippedErrorMessage != "" {
		cb.trippedErr = &trace.ConnectionProblemError{Message: cfg.TrippedErrorMessage}
	}
	return cb, nil
}

// State returns the current state of the breaker.
func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs f if the breaker admits the call and records its outcome.
// While tripped it returns ErrStateTripped without running f; while
// recovering only one probe may be in flight at a time.
func (c *CircuitBreaker) Execute(f func() (any, error)) (any, error) {
	if err := c.beforeExecution(); err != nil {
		return nil, err
	}
	v, err := f()
	c.afterExecution(v, err)
	return v, err
}

func (c *CircuitBreaker) beforeExecution() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateStandby:
		return nil
	case StateTripped:
		if c.cfg.Clock.Now().Before(c.expiry) {
			return trace.Wrap(c.trippedErr)
		}
		// Tripped period elapsed, admit a single probe.
		c.state = StateRecovering
		c.metrics.ConsecutiveSuccesses = 0
		c.probeInflight = true
		return nil
	case StateRecovering:
		if c.probeInflight {
			return trace.Wrap(c.trippedErr)
		}
		c.probeInflight = true
		return nil
	}
	return nil
}

func (c *CircuitBreaker) afterExecution(v any, err error) {
	success := c.cfg.IsSuccessful(v, err)

	c.mu.Lock()
	state := c.state
	c.record(success)

	switch c.state {
	case StateStandby:
		if c.cfg.Trip(c.metrics) {
			c.trip()
		}
	case StateRecovering:
		c.probeInflight = false
		if !success {
			c.trip()
		} else if c.metrics.ConsecutiveSuccesses >= c.cfg.RecoveryLimit {
			c.standby()
		}
	case StateTripped:
		// A call admitted before the trip completed; only its outcome is
		// recorded.
	}
	c.mu.Unlock()

	if c.cfg.OnExecute != nil {
		c.cfg.OnExecute(success, state)
	}
}

// record adds an outcome to the rolling window, evicting the oldest
// outcome once the window is full. Callers must hold mu.
func (c *CircuitBreaker) record(success bool) {
	if uint32(len(c.outcomes)) < c.cfg.Window {
		c.outcomes = append(c.outcomes, success)
	} else {
		old := c.outcomes[c.next]
		if old {
			c.metrics.Successes--
		} else {
			c.metrics.Failures--
		}
		c.metrics.Executions--
		c.outcomes[c.next] = success
		c.next = (c.next + 1) % len(c.outcomes)
	}

	c.metrics.Executions++
	if success {
		c.metrics.Successes++
		c.metrics.ConsecutiveSuccesses++
		c.metrics.ConsecutiveFailures = 0
	} else {
		c.metrics.Failures++
		c.metrics.ConsecutiveFailures++
		c.metrics.ConsecutiveSuccesses = 0
	}
}

// trip moves the breaker to the tripped state. Callers must hold mu.
func (c *CircuitBreaker) trip() {
	c.state = StateTripped
	c.expiry = c.cfg.Clock.Now().Add(c.cfg.TrippedPeriod)
	c.probeInflight = false
	c.metrics.ConsecutiveSuccesses = 0

	if c.cfg.OnTripped != nil {
		c.cfg.OnTripped()
	}
}

// standby returns the breaker to standby with a fresh window. Callers must
// hold mu.
func (c *CircuitBreaker) standby() {
	c.state = StateStandby
	c.probeInflight = false
	c.outcomes = c.outcomes[:0]
	c.next = 0
	c.metrics = Metrics{}

	if c.cfg.OnStandby != nil {
		c.cfg.OnStandby()
	}
}
