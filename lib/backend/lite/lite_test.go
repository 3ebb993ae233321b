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

package lite

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/faceauth/lib/backend"
	"github.com/gravitational/faceauth/lib/backend/test"
)

func TestLiteCompliance(t *testing.T) {
	test.RunBackendComplianceSuite(t, func(t *testing.T, clock *clockwork.FakeClock) backend.Backend {
		bk, err := New(Config{Path: t.TempDir(), Clock: clock})
		require.NoError(t, err)
		return bk
	})
}

func TestLitePersistence(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	bk, err := New(Config{Path: dir, Clock: clock})
	require.NoError(t, err)
	key := backend.Key("deletion_requests", "r1")
	_, err = bk.Create(t.Context(), backend.Item{Key: key, Value: []byte("PENDING")})
	require.NoError(t, err)
	require.NoError(t, bk.Close())

	// The item survives reopening the database.
	bk, err = New(Config{Path: dir, Clock: clock})
	require.NoError(t, err)
	defer bk.Close()
	item, err := bk.Get(t.Context(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("PENDING"), item.Value)
}
