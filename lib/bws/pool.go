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
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/gravitational/trace"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/lib/utils"
)

// ClientConn is the slice of a gRPC client connection the pool manages.
type ClientConn interface {
	grpc.ClientConnInterface
	Close() error
}

// DialFunc dials a regional endpoint. Tests substitute in-process
// transports here.
type DialFunc func(ctx context.Context, target string) (ClientConn, error)

var clientMetrics = grpcprom.NewClientMetrics(grpcprom.WithClientHandlingTimeHistogram())

func init() {
	_ = utils.RegisterPrometheusCollectors(clientMetrics)
}

// DefaultDial returns the production dialer: TLS 1.2+, keep-alive pings,
// the BWS JSON codec, RPC metrics and tracing instrumentation.
func DefaultDial(keepAliveTime time.Duration) DialFunc {
	return func(ctx context.Context, target string) (ClientConn, error) {
		conn, err := grpc.NewClient(target,
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			})),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                keepAliveTime,
				Timeout:             keepAliveTime * defaults.KeepAliveCountMax,
				PermitWithoutStream: true,
			}),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
			grpc.WithChainUnaryInterceptor(clientMetrics.UnaryClientInterceptor()),
		)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return conn, nil
	}
}

// PoolConfig configures a channel Pool.
type PoolConfig struct {
	// Size is the number of channel slots per region.
	Size int
	// MaxConsecutiveFailures recycles a channel after this many
	// consecutive transport failures.
	MaxConsecutiveFailures int
	// Dial dials a regional endpoint.
	Dial DialFunc
	// KeepAliveTime is the keep-alive interval of the default dialer.
	KeepAliveTime time.Duration
	// Logger logs channel lifecycle events.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *PoolConfig) CheckAndSetDefaults() error {
	if c.Size == 0 {
		c.Size = defaults.ChannelPoolSize
	}
	if c.Size < 1 {
		return trace.BadParameter("pool size must be at least 1, got %v", c.Size)
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = defaults.ChannelMaxConsecutiveFailures
	}
	if c.KeepAliveTime == 0 {
		c.KeepAliveTime = defaults.KeepAliveTime
	}
	if c.Dial == nil {
		c.Dial = DefaultDial(c.KeepAliveTime)
	}
	if c.Logger == nil {
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentBWS)
	}
	return nil
}

// channel is one pooled connection. Calls track their own outstanding
// count for least-outstanding checkout.
type channel struct {
	region      string
	target      string
	conn        ClientConn
	outstanding atomic.Int64
	failures    atomic.Int32
}

// Pool owns the long-lived channels toward each regional endpoint. It
// hands out the least-loaded channel, recycles channels past the failure
// threshold, and is the only component allowed to close a channel.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	regions map[string][]*channel
	closed  bool
}

// NewPool creates a channel pool. Channels are dialed lazily on first
// checkout per region.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg:     cfg,
		regions: make(map[string][]*channel),
	}, nil
}

// checkout returns the least-loaded channel toward the region's target,
// dialing a fresh one when a slot is free and every live channel is
// busy. Callers must checkin the channel with the call outcome.
func (p *Pool) checkout(ctx context.Context, region, target string) (*channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "channel pool is closed")
	}
	slots, ok := p.regions[region]
	if !ok {
		slots = make([]*channel, p.cfg.Size)
		p.regions[region] = slots
	}

	var best *channel
	freeSlot := -1
	for i, ch := range slots {
		if ch == nil {
			if freeSlot < 0 {
				freeSlot = i
			}
			continue
		}
		if best == nil || ch.outstanding.Load() < best.outstanding.Load() {
			best = ch
		}
	}

	// Dial a fresh channel when there is room and no idle channel.
	if freeSlot >= 0 && (best == nil || best.outstanding.Load() > 0) {
		p.mu.Unlock()
		conn, err := p.cfg.Dial(ctx, target)
		if err != nil {
			if best == nil {
				return nil, trace.ConnectionProblem(err, "failed to dial %v", target)
			}
			// Fall back to the busy channel rather than failing the call.
			p.cfg.Logger.WarnContext(ctx, "Failed to dial additional channel.", "target", target, "error", err)
			best.outstanding.Add(1)
			p.updateGauges(region)
			return best, nil
		}
		ch := &channel{region: region, target: target, conn: conn}
		p.mu.Lock()
		// The slot may have been taken while dialing; find another or
		// discard the extra connection.
		placed := false
		for i, existing := range p.regions[region] {
			if existing == nil {
				p.regions[region][i] = ch
				placed = true
				break
			}
		}
		p.mu.Unlock()
		if !placed {
			conn.Close()
			return p.checkout(ctx, region, target)
		}
		ch.outstanding.Add(1)
		p.updateGauges(region)
		return ch, nil
	}

	p.mu.Unlock()
	if best == nil {
		return nil, trace.ConnectionProblem(nil, "no channel available for region %v", region)
	}
	best.outstanding.Add(1)
	p.updateGauges(region)
	return best, nil
}

// checkin returns a channel after a call. A transport-level failure
// counts toward the recycle threshold; any success resets it.
func (p *Pool) checkin(ch *channel, callErr error) {
	ch.outstanding.Add(-1)
	switch {
	case callErr == nil:
		ch.failures.Store(0)
	case IsChannelFailure(callErr):
		if ch.failures.Add(1) >= int32(p.cfg.MaxConsecutiveFailures) {
			p.recycle(ch)
		}
	}
	p.updateGauges(ch.region)
}

// recycle removes a broken channel from its slot and closes it. The next
// checkout lazily re-dials.
func (p *Pool) recycle(ch *channel) {
	p.mu.Lock()
	slots := p.regions[ch.region]
	for i, existing := range slots {
		if existing == ch {
			slots[i] = nil
			break
		}
	}
	p.mu.Unlock()
	p.cfg.Logger.Warn("Recycling unhealthy channel.", "region", ch.region, "target", ch.target)
	ch.conn.Close()
}

// updateGauges refreshes the pool gauges for a region.
func (p *Pool) updateGauges(region string) {
	p.mu.Lock()
	var active, idle float64
	for _, ch := range p.regions[region] {
		if ch == nil {
			continue
		}
		if ch.outstanding.Load() > 0 {
			active++
		} else {
			idle++
		}
	}
	p.mu.Unlock()
	channelPoolActive.WithLabelValues(region).Set(active)
	channelPoolIdle.WithLabelValues(region).Set(idle)
}

// Close closes every channel. In-flight calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, slots := range p.regions {
		for _, ch := range slots {
			if ch != nil {
				ch.conn.Close()
			}
		}
	}
	p.regions = nil
	return nil
}
