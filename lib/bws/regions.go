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
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/lib/defaults"
)

// DefaultRegions maps the well-known region identifiers to their
// endpoint hosts. The configuration may override or extend the table.
var DefaultRegions = map[string]string{
	"EU": "bws-eu.faceauth.dev",
	"US": "bws-us.faceauth.dev",
	"SA": "bws-sa.faceauth.dev",
}

// Target normalizes an endpoint host into a dial target on the BWS port.
func Target(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(defaults.BWSPort))
}

// RouterConfig configures a regional Router.
type RouterConfig struct {
	// Regions maps region identifiers to endpoint hosts.
	Regions map[string]string
	// Preferred is the region calls route to while it is healthy.
	Preferred string
	// FailoverEnabled permits routing to alternates when the preferred
	// region is unhealthy.
	FailoverEnabled bool
	// DataResidencyRequired pins calls to the preferred region no matter
	// its health.
	DataResidencyRequired bool
	// UnhealthyThreshold demotes a region after this many consecutive
	// failed probes.
	UnhealthyThreshold int
	// HealthyThreshold re-promotes a region after this many consecutive
	// successful probes.
	HealthyThreshold int
	// OnFailover is called when routing switches away from or back to
	// the preferred region.
	OnFailover func(from, to string)
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *RouterConfig) CheckAndSetDefaults() error {
	if len(c.Regions) == 0 {
		c.Regions = DefaultRegions
	}
	if c.Preferred == "" {
		return trace.BadParameter("missing parameter Preferred")
	}
	if _, ok := c.Regions[c.Preferred]; !ok {
		return trace.BadParameter("preferred region %q has no configured endpoint", c.Preferred)
	}
	if c.UnhealthyThreshold == 0 {
		c.UnhealthyThreshold = defaults.RegionUnhealthyThreshold
	}
	if c.HealthyThreshold == 0 {
		c.HealthyThreshold = defaults.RegionHealthyThreshold
	}
	return nil
}

// regionState tracks one region's probe history.
type regionState struct {
	name        string
	host        string
	healthy     bool
	consecFail  int
	consecOK    int
	avgLatency  time.Duration
	haveLatency bool
}

// Router decides which region a new call routes to. The preferred region
// wins while healthy; when failover is enabled and it is not, the
// healthiest alternate with the lowest measured latency takes over.
// Routing is a pool-level switch; calls in flight are never redirected.
type Router struct {
	cfg RouterConfig

	mu      sync.Mutex
	regions map[string]*regionState
	active  string
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Router{
		cfg:     cfg,
		regions: make(map[string]*regionState, len(cfg.Regions)),
		active:  cfg.Preferred,
	}
	for name, host := range cfg.Regions {
		// Regions start healthy; demotion takes real failed probes.
		r.regions[name] = &regionState{name: name, host: host, healthy: true}
		regionHealthy.WithLabelValues(name).Set(1)
	}
	return r, nil
}

// Active returns the region and dial target new calls should use.
func (r *Router) Active() (region, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.regions[r.active]
	return state.name, Target(state.host)
}

// TargetFor returns the dial target of a specific region.
func (r *Router) TargetFor(region string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.regions[region]
	if !ok {
		return "", trace.NotFound("region %q has no configured endpoint", region)
	}
	return Target(state.host), nil
}

// Regions returns the configured region identifiers.
func (r *Router) Regions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.regions))
	for name := range r.regions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RecordProbe feeds a probe outcome into the health tracking and
// re-evaluates routing. Returns the active region after the update.
func (r *Router) RecordProbe(region string, ok bool, latency time.Duration) string {
	r.mu.Lock()
	state, found := r.regions[region]
	if !found {
		r.mu.Unlock()
		return r.active
	}
	if ok {
		state.consecOK++
		state.consecFail = 0
		// Exponentially weighted average smooths one-off slow probes.
		if state.haveLatency {
			state.avgLatency = (state.avgLatency*3 + latency) / 4
		} else {
			state.avgLatency = latency
			state.haveLatency = true
		}
		if !state.healthy && state.consecOK >= r.cfg.HealthyThreshold {
			state.healthy = true
			regionHealthy.WithLabelValues(region).Set(1)
		}
	} else {
		state.consecFail++
		state.consecOK = 0
		if state.healthy && state.consecFail >= r.cfg.UnhealthyThreshold {
			state.healthy = false
			regionHealthy.WithLabelValues(region).Set(0)
		}
	}

	previous := r.active
	r.reroute()
	active := r.active
	r.mu.Unlock()

	if active != previous && r.cfg.OnFailover != nil {
		r.cfg.OnFailover(previous, active)
	}
	return active
}

// reroute recomputes the active region. Callers must hold mu.
func (r *Router) reroute() {
	preferred := r.regions[r.cfg.Preferred]
	if preferred.healthy || !r.cfg.FailoverEnabled || r.cfg.DataResidencyRequired {
		r.active = r.cfg.Preferred
		return
	}
	// Preferred is down: pick the healthy alternate with the lowest
	// measured latency; unprobed alternates sort last.
	var candidates []*regionState
	for _, state := range r.regions {
		if state.name != r.cfg.Preferred && state.healthy {
			candidates = append(candidates, state)
		}
	}
	if len(candidates) == 0 {
		// Everything is down; stay on the preferred region so recovery
		// probes have somewhere to land.
		r.active = r.cfg.Preferred
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.haveLatency != b.haveLatency {
			return a.haveLatency
		}
		if a.avgLatency != b.avgLatency {
			return a.avgLatency < b.avgLatency
		}
		return a.name < b.name
	})
	r.active = candidates[0].name
}
