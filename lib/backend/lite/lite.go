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

// Package lite implements the storage backend on SQLite. It is the
// durable store for deletion requests and the bulk operation registry
// when the engine runs standalone.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/gravitational/faceauth/lib/backend"
)

const (
	// defaultDBFile is the database file name within the configured
	// directory.
	defaultDBFile = "faceauth.db"

	// busyTimeout tells sqlite how long to wait on a locked database
	// before returning SQLITE_BUSY.
	busyTimeout = 10 * time.Second

	schema = `CREATE TABLE IF NOT EXISTS kv (
		key BLOB PRIMARY KEY,
		value BLOB,
		expires DATETIME,
		id INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS kv_expires ON kv (expires);`
)

// Config holds lite backend configuration.
type Config struct {
	// Path is the directory the database file lives in.
	Path string
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Lite is a SQLite-backed store. A single writer connection serializes
// mutations; SQLite serves reads concurrently.
type Lite struct {
	cfg Config
	db  *sql.DB

	// mu serializes multi-statement mutations, sqlite itself only locks
	// per statement.
	mu     sync.Mutex
	nextID int64
}

// New opens or creates the database and applies the schema.
func New(cfg Config) (*Lite, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dsn := "file:" + filepath.Join(cfg.Path, defaultDBFile) + "?_busy_timeout=" +
		strconv.Itoa(int(busyTimeout/time.Millisecond))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// A single connection avoids SQLITE_BUSY between the pool's
	// connections and keeps the in-memory database alive.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	l := &Lite{cfg: cfg, db: db}
	if err := db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM kv").Scan(&l.nextID); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return l, nil
}

// Clock returns the clock used by this backend.
func (l *Lite) Clock() clockwork.Clock {
	return l.cfg.Clock
}

// Close closes the database.
func (l *Lite) Close() error {
	return trace.Wrap(l.db.Close())
}

// Create creates an item if it does not exist, otherwise returns
// AlreadyExists.
func (l *Lite) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(ctx, i.Key)
	l.nextID++
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO kv (key, value, expires, id) VALUES (?, ?, ?, ?)",
		i.Key, i.Value, nullTime(i.Expires), l.nextID)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
		}
		return nil, trace.Wrap(err)
	}
	return &backend.Lease{Key: i.Key, ID: l.nextID}, nil
}

// Put puts value into the backend, creating or updating it.
func (l *Lite) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO kv (key, value, expires, id) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires=excluded.expires, id=excluded.id",
		i.Key, i.Value, nullTime(i.Expires), l.nextID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &backend.Lease{Key: i.Key, ID: l.nextID}, nil
}

// Update updates an existing item, returns NotFound if it is missing.
func (l *Lite) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(ctx, i.Key)
	l.nextID++
	res, err := l.db.ExecContext(ctx,
		"UPDATE kv SET value=?, expires=?, id=? WHERE key=?",
		i.Value, nullTime(i.Expires), l.nextID, i.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, trace.Wrap(err)
	} else if n == 0 {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	return &backend.Lease{Key: i.Key, ID: l.nextID}, nil
}

// CompareAndSwap compares the stored item with expected and replaces it
// with replaceWith.
func (l *Lite) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) (*backend.Lease, error) {
	if len(expected.Key) == 0 {
		return nil, trace.BadParameter("missing parameter Key")
	}
	if string(expected.Key) != string(replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(ctx, expected.Key)
	l.nextID++
	res, err := l.db.ExecContext(ctx,
		"UPDATE kv SET value=?, expires=?, id=? WHERE key=? AND value=?",
		replaceWith.Value, nullTime(replaceWith.Expires), l.nextID, expected.Key, expected.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, trace.Wrap(err)
	} else if n == 0 {
		return nil, trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	return &backend.Lease{Key: replaceWith.Key, ID: l.nextID}, nil
}

// Get returns a single item or a NotFound error.
func (l *Lite) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(ctx, key)
	var i backend.Item
	var expires sql.NullTime
	err := l.db.QueryRowContext(ctx,
		"SELECT key, value, expires, id FROM kv WHERE key=?", key).
		Scan(&i.Key, &i.Value, &expires, &i.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if expires.Valid {
		i.Expires = expires.Time
	}
	return &i, nil
}

// GetRange returns the items between startKey (inclusive) and endKey
// (exclusive), up to limit.
func (l *Lite) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = -1
	}
	now := l.cfg.Clock.Now().UTC()
	rows, err := l.db.QueryContext(ctx,
		"SELECT key, value, expires, id FROM kv WHERE key >= ? AND key < ? "+
			"AND (expires IS NULL OR expires > ?) ORDER BY key LIMIT ?",
		startKey, endKey, now, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var res backend.GetResult
	for rows.Next() {
		var i backend.Item
		var expires sql.NullTime
		if err := rows.Scan(&i.Key, &i.Value, &expires, &i.ID); err != nil {
			return nil, trace.Wrap(err)
		}
		if expires.Valid {
			i.Expires = expires.Time
		}
		res.Items = append(res.Items, i)
	}
	return &res, trace.Wrap(rows.Err())
}

// Delete deletes an item by key, returns NotFound if it is missing.
func (l *Lite) Delete(ctx context.Context, key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(ctx, key)
	res, err := l.db.ExecContext(ctx, "DELETE FROM kv WHERE key=?", key)
	if err != nil {
		return trace.Wrap(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return trace.Wrap(err)
	} else if n == 0 {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange deletes the items with keys between startKey and endKey.
func (l *Lite) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 {
		return trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return trace.BadParameter("missing parameter endKey")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, "DELETE FROM kv WHERE key >= ? AND key < ?", startKey, endKey)
	return trace.Wrap(err)
}

// expire removes the item under key if it is past its expiry. Callers
// must hold mu.
func (l *Lite) expire(ctx context.Context, key []byte) {
	now := l.cfg.Clock.Now().UTC()
	_, _ = l.db.ExecContext(ctx, "DELETE FROM kv WHERE key=? AND expires IS NOT NULL AND expires <= ?", key, now)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
