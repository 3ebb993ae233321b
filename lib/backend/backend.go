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

// Package backend provides the storage abstraction the engine keeps its
// own records in: deletion requests, bulk operation registry, template id
// reservations and the reference credential store. Item keys are assumed
// to be valid UTF8.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Forever means that object TTL will not expire unless deleted.
const Forever time.Duration = 0

// NoLimit specifies no limits.
const NoLimit = 0

// Backend implements an abstraction over local storage.
type Backend interface {
	// Create creates an item if it does not exist, otherwise returns
	// AlreadyExists.
	Create(ctx context.Context, i Item) (*Lease, error)

	// Put puts value into backend (creates if it does not exist, updates
	// it otherwise).
	Put(ctx context.Context, i Item) (*Lease, error)

	// CompareAndSwap compares the existing item with expected and replaces
	// it with replaceWith; returns CompareFailed when the stored value
	// differs from the expected one.
	CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) (*Lease, error)

	// Update updates an existing item, returns NotFound if it is missing.
	Update(ctx context.Context, i Item) (*Lease, error)

	// Get returns a single item or a NotFound error.
	Get(ctx context.Context, key []byte) (*Item, error)

	// GetRange returns the items between startKey (inclusive) and endKey
	// (exclusive), up to limit.
	GetRange(ctx context.Context, startKey []byte, endKey []byte, limit int) (*GetResult, error)

	// Delete deletes an item by key, returns NotFound if it is missing.
	Delete(ctx context.Context, key []byte) error

	// DeleteRange deletes the items with keys between startKey and endKey.
	DeleteRange(ctx context.Context, startKey, endKey []byte) error

	// Close closes the backend and all associated resources.
	Close() error

	// Clock returns the clock used by this backend.
	Clock() clockwork.Clock
}

// Lease represents a lease on a stored item.
type Lease struct {
	// Key is the key of the leased item.
	Key []byte
	// ID is a lease ID, could be empty.
	ID int64
}

// GetResult provides the result of a GetRange request.
type GetResult struct {
	// Items is the matched items in key order.
	Items []Item
}

// Item is a key value item.
type Item struct {
	// Key is the key of the key value item.
	Key []byte
	// Value is the value of the key value item.
	Value []byte
	// Expires is an optional record expiry time.
	Expires time.Time
	// ID is a record ID, newer records have newer ids.
	ID int64
}

// Separator is used as a separator between key parts.
const Separator = '/'

// Key joins parts into a path separated by Separator, makes sure the path
// always starts with Separator ("/").
func Key(parts ...string) []byte {
	return []byte(strings.Join(append([]string{""}, parts...), string(Separator)))
}

// ExactKey is like Key, except a Separator is appended to the result. This
// is used to ensure range matching of a path will only match child paths
// and not other paths that have the resulting path as a prefix.
func ExactKey(parts ...string) []byte {
	return append(Key(parts...), Separator)
}

// RangeEnd returns the end of the range for a given key.
func RangeEnd(key []byte) []byte {
	end := make([]byte, len(key))
	copy(end, key)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i] = end[i] + 1
			end = end[:i+1]
			return end
		}
	}
	// next key does not exist (e.g., 0xffff)
	return noEnd
}

var noEnd = []byte{0}

// TTL returns the remaining TTL in duration units, rounded up to one
// second.
func TTL(clock clockwork.Clock, expires time.Time) time.Duration {
	ttl := expires.Sub(clock.Now())
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// Expiry converts a ttl to an expiry time; a zero ttl returns the zero
// time, meaning no expiry.
func Expiry(clock clockwork.Clock, ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return clock.Now().UTC().Add(ttl)
}
