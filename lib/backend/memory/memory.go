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

// Package memory implements an in-memory backend on top of a btree. It is
// the default store for embedded use and the reference implementation the
// backend compliance suite runs against.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/faceauth/lib/backend"
)

// Config holds memory backend configuration.
type Config struct {
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// BTreeDegree is the degree of the underlying btree.
	BTreeDegree int
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BTreeDegree <= 0 {
		c.BTreeDegree = 8
	}
	return nil
}

// Memory is an in-memory backend. Items with an expiry are lazily purged
// on access.
type Memory struct {
	cfg Config

	mu     sync.Mutex
	tree   *btree.BTreeG[*btreeItem]
	nextID int64
}

// New creates a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg: cfg,
		tree: btree.NewG(cfg.BTreeDegree, func(a, b *btreeItem) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}, nil
}

type btreeItem struct {
	backend.Item
}

// Clock returns the clock used by this backend.
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// Close releases the resources taken up by the backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	return nil
}

// Create creates an item if it does not exist, otherwise returns
// AlreadyExists.
func (m *Memory) Create(ctx context.Context, i Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.get(i.Key); existing != nil {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	return m.put(i), nil
}

// Put puts value into the backend, creating or updating it.
func (m *Memory) Put(ctx context.Context, i Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(i), nil
}

// Update updates an existing item, returns NotFound if it is missing.
func (m *Memory) Update(ctx context.Context, i Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.get(i.Key); existing == nil {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	return m.put(i), nil
}

// CompareAndSwap compares the stored item with expected and replaces it
// with replaceWith.
func (m *Memory) CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) (*backend.Lease, error) {
	if len(expected.Key) == 0 {
		return nil, trace.BadParameter("missing parameter Key")
	}
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.get(expected.Key)
	if existing == nil {
		return nil, trace.CompareFailed("key %q is not found", string(expected.Key))
	}
	if !bytes.Equal(existing.Value, expected.Value) {
		return nil, trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	return m.put(replaceWith), nil
}

// Get returns a single item or a NotFound error.
func (m *Memory) Get(ctx context.Context, key []byte) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.get(key)
	if existing == nil {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	item := existing.Item
	return &item, nil
}

// GetRange returns the items between startKey (inclusive) and endKey
// (exclusive), up to limit.
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var res backend.GetResult
	now := m.cfg.Clock.Now()
	var expired []*btreeItem
	m.tree.AscendRange(&btreeItem{Item: Item{Key: startKey}}, &btreeItem{Item: Item{Key: endKey}}, func(i *btreeItem) bool {
		if !i.Expires.IsZero() && !now.Before(i.Expires) {
			expired = append(expired, i)
			return true
		}
		res.Items = append(res.Items, i.Item)
		return limit <= 0 || len(res.Items) < limit
	})
	for _, i := range expired {
		m.tree.Delete(i)
	}
	return &res, nil
}

// Delete deletes an item by key, returns NotFound if it is missing.
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.get(key); existing == nil {
		return trace.NotFound("key %q is not found", string(key))
	}
	m.tree.Delete(&btreeItem{Item: Item{Key: key}})
	return nil
}

// DeleteRange deletes the items with keys between startKey and endKey.
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 {
		return trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []*btreeItem
	m.tree.AscendRange(&btreeItem{Item: Item{Key: startKey}}, &btreeItem{Item: Item{Key: endKey}}, func(i *btreeItem) bool {
		doomed = append(doomed, i)
		return true
	})
	for _, i := range doomed {
		m.tree.Delete(i)
	}
	return nil
}

// get returns a live item or nil, purging it if expired. Callers must
// hold mu.
func (m *Memory) get(key []byte) *btreeItem {
	probe := &btreeItem{Item: Item{Key: key}}
	existing, found := m.tree.Get(probe)
	if !found {
		return nil
	}
	if !existing.Expires.IsZero() && !m.cfg.Clock.Now().Before(existing.Expires) {
		m.tree.Delete(probe)
		return nil
	}
	return existing
}

// put stores the item and stamps it with a fresh id. Callers must hold mu.
func (m *Memory) put(i Item) *backend.Lease {
	m.nextID++
	i.ID = m.nextID
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return &backend.Lease{Key: i.Key, ID: i.ID}
}

// Item is re-exported for call-site brevity.
type Item = backend.Item
