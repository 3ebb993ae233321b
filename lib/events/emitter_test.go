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
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*AuditEvent
	err    error
}

func (r *recordingEmitter) EmitAuditEvent(ctx context.Context, event *AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMultiEmitter(t *testing.T) {
	t.Parallel()

	ok := &recordingEmitter{}
	failing := &recordingEmitter{err: trace.ConnectionProblem(nil, "sink down")}
	multi := NewMultiEmitter(failing, ok)

	err := multi.EmitAuditEvent(context.Background(), &AuditEvent{Metadata: Metadata{Type: VerifyEvent}})
	require.Error(t, err)
	// The failing sink did not stop delivery to the healthy one.
	require.Equal(t, 1, ok.count())
}

func TestAsyncEmitterForwards(t *testing.T) {
	t.Parallel()

	inner := &recordingEmitter{}
	async, err := NewAsyncEmitter(AsyncEmitterConfig{Inner: inner, BufferSize: 8})
	require.NoError(t, err)
	defer async.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, async.EmitAuditEvent(context.Background(), &AuditEvent{Metadata: Metadata{Type: EnrollEvent}}))
	}

	require.Eventually(t, func() bool {
		return inner.count() == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAsyncEmitterDropsOnOverflow(t *testing.T) {
	t.Parallel()

	// An inner emitter that blocks until released forces the queue to
	// fill up.
	release := make(chan struct{})
	blocking := emitterFunc(func(ctx context.Context, event *AuditEvent) error {
		<-release
		return nil
	})

	async, err := NewAsyncEmitter(AsyncEmitterConfig{Inner: blocking, BufferSize: 2})
	require.NoError(t, err)
	defer async.Close()
	defer close(release)

	// One event may be in flight in the forwarder plus two queued; the
	// queue is certainly full after buffer+2 submissions.
	var dropped bool
	for i := 0; i < 4; i++ {
		if err := async.EmitAuditEvent(context.Background(), &AuditEvent{}); err != nil {
			dropped = true
			require.True(t, trace.IsLimitExceeded(err))
		}
	}
	require.True(t, dropped)
}

type emitterFunc func(ctx context.Context, event *AuditEvent) error

func (f emitterFunc) EmitAuditEvent(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}
