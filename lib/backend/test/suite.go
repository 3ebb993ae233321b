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

// Package test contains the backend compliance suite every Backend
// implementation must pass.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/faceauth/lib/backend"
)

// Constructor builds a fresh backend over the provided clock.
type Constructor func(t *testing.T, clock *clockwork.FakeClock) backend.Backend

// RunBackendComplianceSuite runs the compliance suite against a backend
// implementation.
func RunBackendComplianceSuite(t *testing.T, newBackend Constructor) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, newBackend) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newBackend) })
	t.Run("Range", func(t *testing.T) { testRange(t, newBackend) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, newBackend) })
	t.Run("DeleteRange", func(t *testing.T) { testDeleteRange(t, newBackend) })
}

func testCRUD(t *testing.T, newBackend Constructor) {
	clock := clockwork.NewFakeClock()
	bk := newBackend(t, clock)
	defer bk.Close()
	ctx := context.Background()

	key := backend.Key("credentials", "example.com", "alice")
	item := backend.Item{Key: key, Value: []byte("v1")}

	// Get and Update on a missing key fail with NotFound.
	_, err := bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))
	_, err = bk.Update(ctx, item)
	require.True(t, trace.IsNotFound(err))

	_, err = bk.Create(ctx, item)
	require.NoError(t, err)
	_, err = bk.Create(ctx, item)
	require.True(t, trace.IsAlreadyExists(err))

	got, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got.Value)

	_, err = bk.Put(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.NoError(t, err)
	got, err = bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.Value)

	_, err = bk.Update(ctx, backend.Item{Key: key, Value: []byte("v3")})
	require.NoError(t, err)
	got, err = bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), got.Value)

	require.NoError(t, bk.Delete(ctx, key))
	require.True(t, trace.IsNotFound(bk.Delete(ctx, key)))
}

func testCompareAndSwap(t *testing.T, newBackend Constructor) {
	clock := clockwork.NewFakeClock()
	bk := newBackend(t, clock)
	defer bk.Close()
	ctx := context.Background()

	key := backend.Key("deletion_requests", "r1")
	_, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("PENDING")})
	require.NoError(t, err)

	// Swap with the right expected value succeeds.
	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("PENDING")},
		backend.Item{Key: key, Value: []byte("APPROVED")})
	require.NoError(t, err)

	// Swap with a stale expected value fails and leaves the item alone.
	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("PENDING")},
		backend.Item{Key: key, Value: []byte("DECLINED")})
	require.True(t, trace.IsCompareFailed(err))

	got, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("APPROVED"), got.Value)

	// Swap on a missing key fails with CompareFailed.
	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: backend.Key("deletion_requests", "missing"), Value: []byte("PENDING")},
		backend.Item{Key: backend.Key("deletion_requests", "missing"), Value: []byte("APPROVED")})
	require.True(t, trace.IsCompareFailed(err))
}

func testRange(t *testing.T, newBackend Constructor) {
	clock := clockwork.NewFakeClock()
	bk := newBackend(t, clock)
	defer bk.Close()
	ctx := context.Background()

	prefix := backend.ExactKey("bulk")
	for _, id := range []string{"a", "b", "c"} {
		_, err := bk.Create(ctx, backend.Item{Key: backend.Key("bulk", id), Value: []byte(id)})
		require.NoError(t, err)
	}
	// An item outside the prefix must not match.
	_, err := bk.Create(ctx, backend.Item{Key: backend.Key("bulkx"), Value: []byte("x")})
	require.NoError(t, err)

	res, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	require.Equal(t, []byte("a"), res.Items[0].Value)
	require.Equal(t, []byte("c"), res.Items[2].Value)

	res, err = bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 2)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
}

func testExpiry(t *testing.T, newBackend Constructor) {
	clock := clockwork.NewFakeClock()
	bk := newBackend(t, clock)
	defer bk.Close()
	ctx := context.Background()

	key := backend.Key("challenges", "nonce-1")
	_, err := bk.Create(ctx, backend.Item{
		Key:     key,
		Value:   []byte("challenge"),
		Expires: clock.Now().Add(30 * time.Second),
	})
	require.NoError(t, err)

	_, err = bk.Get(ctx, key)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	_, err = bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))

	// An expired key can be re-created.
	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("fresh")})
	require.NoError(t, err)
}

func testDeleteRange(t *testing.T, newBackend Constructor) {
	clock := clockwork.NewFakeClock()
	bk := newBackend(t, clock)
	defer bk.Close()
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, err := bk.Create(ctx, backend.Item{Key: backend.Key("reservations", id), Value: []byte(id)})
		require.NoError(t, err)
	}
	keep := backend.Key("reservationsx")
	_, err := bk.Create(ctx, backend.Item{Key: keep, Value: []byte("keep")})
	require.NoError(t, err)

	prefix := backend.ExactKey("reservations")
	require.NoError(t, bk.DeleteRange(ctx, prefix, backend.RangeEnd(prefix)))

	res, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Empty(t, res.Items)

	_, err = bk.Get(ctx, keep)
	require.NoError(t, err)
}
