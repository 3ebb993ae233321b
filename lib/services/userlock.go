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
	"sync"

	"github.com/gravitational/trace"
)

// UserLock serializes mutating workflows per (realm, user). It is a
// try-lock: a second enrollment for the same user fails fast instead of
// queueing behind the first.
type UserLock struct {
	mu   sync.Mutex
	held map[lockKey]struct{}
}

type lockKey struct {
	realm  string
	userID string
}

// NewUserLock creates an empty lock table.
func NewUserLock() *UserLock {
	return &UserLock{held: make(map[lockKey]struct{})}
}

// TryAcquire claims the user's lock and returns its release function, or
// AlreadyExists when another operation holds it.
func (l *UserLock) TryAcquire(realm, userID string) (func(), error) {
	key := lockKey{realm: realm, userID: userID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, trace.AlreadyExists("another operation is in progress for user %q in realm %q", userID, realm)
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
