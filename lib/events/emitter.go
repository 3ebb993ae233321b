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

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/lib/utils"
)

var auditDroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: faceauth.MetricNamespace,
	Name:      "audit_dropped_events_total",
	Help:      "Number of audit events dropped because the async emitter buffer was full.",
})

var auditFailedEmits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: faceauth.MetricNamespace,
	Name:      "audit_failed_emits_total",
	Help:      "Number of audit events the downstream sink failed to accept.",
})

func init() {
	_ = utils.RegisterPrometheusCollectors(auditDroppedEvents, auditFailedEmits)
}

// SlogEmitter writes events to a structured logger. It is the default
// sink when the host does not provide one.
type SlogEmitter struct {
	// Logger is the destination logger, defaults to slog.Default.
	Logger *slog.Logger
}

// EmitAuditEvent logs the event.
func (e *SlogEmitter) EmitAuditEvent(ctx context.Context, event *AuditEvent) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit event",
		"event_type", event.Type,
		"event_code", event.Code,
		"realm", event.Realm,
		"user", event.User,
		"success", event.Outcome.Success,
		"error", event.Outcome.Error,
	)
	return nil
}

// DiscardEmitter drops every event. Useful in tests.
type DiscardEmitter struct{}

// EmitAuditEvent drops the event.
func (DiscardEmitter) EmitAuditEvent(ctx context.Context, event *AuditEvent) error {
	return nil
}

// MultiEmitter fans an event out to several sinks. A failing sink does
// not stop delivery to the others; the first error is returned.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an emitter that delivers to every provided
// sink.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// EmitAuditEvent delivers the event to every sink.
func (m *MultiEmitter) EmitAuditEvent(ctx context.Context, event *AuditEvent) error {
	var first error
	for _, e := range m.emitters {
		if err := e.EmitAuditEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return trace.Wrap(first)
}

// AsyncEmitterConfig configures an AsyncEmitter.
type AsyncEmitterConfig struct {
	// Inner is the sink events are forwarded to.
	Inner Emitter
	// BufferSize is the queue depth; events beyond it are dropped and
	// counted.
	BufferSize int
	// Logger logs forwarding failures.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *AsyncEmitterConfig) CheckAndSetDefaults() error {
	if c.Inner == nil {
		return trace.BadParameter("missing parameter Inner")
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaults.AsyncEmitterBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentAudit)
	}
	return nil
}

// AsyncEmitter accepts events without blocking and forwards them to the
// inner sink on a background goroutine. When the buffer is full events
// are dropped and counted; audit loss is acceptable, blocking an
// authentication is not.
type AsyncEmitter struct {
	cfg    AsyncEmitterConfig
	events chan *AuditEvent

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAsyncEmitter returns a started AsyncEmitter. Callers must Close it
// to release the forwarding goroutine.
func NewAsyncEmitter(cfg AsyncEmitterConfig) (*AsyncEmitter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &AsyncEmitter{
		cfg:    cfg,
		events: make(chan *AuditEvent, cfg.BufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.forward(ctx)
	return a, nil
}

func (a *AsyncEmitter) forward(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-a.events:
			if err := a.cfg.Inner.EmitAuditEvent(ctx, event); err != nil {
				auditFailedEmits.Inc()
				a.cfg.Logger.WarnContext(ctx, "Failed to emit audit event.",
					"event_type", event.Type, "error", err)
			}
		}
	}
}

// EmitAuditEvent queues the event for delivery, never blocking.
func (a *AsyncEmitter) EmitAuditEvent(ctx context.Context, event *AuditEvent) error {
	select {
	case a.events <- event:
		return nil
	default:
		auditDroppedEvents.Inc()
		return trace.LimitExceeded("audit emitter buffer of %v is full, event %v dropped", len(a.events), event.Type)
	}
}

// Close stops the forwarding goroutine. Queued events not yet forwarded
// are dropped.
func (a *AsyncEmitter) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		<-a.done
	})
	return nil
}
