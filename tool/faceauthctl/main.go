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

// Command faceauthctl is the administrative tool of the face
// authentication engine: template status and health reports, encoder
// upgrades, bulk operations, deletion request review, and configuration
// inspection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/lib/core"
)

// command is implemented by every faceauthctl command family.
type command interface {
	// Initialize registers the command and its flags with the app.
	Initialize(app *kingpin.Application)
	// TryRun executes the command if selectedCommand belongs to it.
	TryRun(ctx context.Context, selectedCommand string, client *core.Core) (match bool, err error)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var (
		configPath     string
		dataDir        string
		encoderVersion string
		debug          bool
	)

	app := kingpin.New("faceauthctl", "Admin tool for the face authentication engine.")
	app.Flag("config", "Path to the engine configuration file.").Short('c').Required().StringVar(&configPath)
	app.Flag("data-dir", "Directory holding engine state.").Short('d').StringVar(&dataDir)
	app.Flag("encoder-version", "Current encoder model generation.").StringVar(&encoderVersion)
	app.Flag("debug", "Enable verbose logging.").BoolVar(&debug)

	commands := []command{
		&StatusCommand{},
		&TemplateCommand{},
		&BulkCommand{},
		&GDPRCommand{},
		&ConfigCommand{},
	}
	for _, c := range commands {
		c.Initialize(app)
	}

	selected, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	client, err := core.New(core.Config{
		Config:         cfg,
		DataDir:        dataDir,
		EncoderVersion: encoderVersion,
		Logger:         slog.With(faceauth.ComponentKey, faceauth.ComponentCTL),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer client.Close()

	for _, c := range commands {
		match, err := c.TryRun(ctx, selected, client)
		if err != nil {
			return trace.Wrap(err)
		}
		if match {
			return nil
		}
	}
	return trace.NotFound("unknown command %q", selected)
}
