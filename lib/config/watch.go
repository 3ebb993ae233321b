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

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth"
)

// Watch re-loads the configuration file into the store whenever it
// changes. An invalid proposed snapshot is logged and the active one
// kept. Blocks until the context is cancelled.
func Watch(ctx context.Context, path string, store *Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.With(faceauth.ComponentKey, faceauth.ComponentConfig)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and config management
	// tools typically replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return trace.ConvertSystemError(err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			cfg, err := ReadFromFile(path)
			if err != nil {
				logger.WarnContext(ctx, "Ignoring invalid configuration update.", "path", path, "error", err)
				continue
			}
			if err := store.Swap(cfg); err != nil {
				logger.WarnContext(ctx, "Ignoring rejected configuration update.", "path", path, "error", err)
				continue
			}
			logger.InfoContext(ctx, "Reloaded configuration.", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "Configuration watcher error.", "error", err)
		}
	}
}
