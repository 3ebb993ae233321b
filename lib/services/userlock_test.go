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

package services

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestUserLock(t *testing.T) {
	t.Parallel()

	lock := NewUserLock()

	release, err := lock.TryAcquire("corp", "alice")
	require.NoError(t, err)

	// A second operation on the same user fails fast.
	_, err = lock.TryAcquire("corp", "alice")
	require.True(t, trace.IsAlreadyExists(err))

	// Other users and the same user in other realms are unaffected.
	releaseBob, err := lock.TryAcquire("corp", "bob")
	require.NoError(t, err)
	releaseBob()

	releaseOther, err := lock.TryAcquire("partner", "alice")
	require.NoError(t, err)
	releaseOther()

	release()
	release() // release is idempotent

	release, err = lock.TryAcquire("corp", "alice")
	require.NoError(t, err)
	release()
}

func TestCryptoRandomSource(t *testing.T) {
	t.Parallel()

	seen := make(map[int64]struct{})
	for i := 0; i < 100; i++ {
		v, err := CryptoRandomSource()
		require.NoError(t, err)
		require.Positive(t, v)
		seen[v] = struct{}{}
	}
	require.Len(t, seen, 100)
}
