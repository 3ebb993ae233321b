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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/faceauth/lib/config"
	"github.com/gravitational/faceauth/lib/core"
)

// ConfigCommand inspects and validates engine configuration.
type ConfigCommand struct {
	show     *kingpin.CmdClause
	validate *kingpin.CmdClause

	path string
}

// Initialize registers the command with the app.
func (c *ConfigCommand) Initialize(app *kingpin.Application) {
	configCmd := app.Command("config", "Inspect engine configuration.")

	c.show = configCmd.Command("show", "Print the active configuration with secrets redacted.")

	c.validate = configCmd.Command("validate", "Validate a configuration file without applying it.")
	c.validate.Arg("path", "Path to the configuration file.").Required().StringVar(&c.path)
}

// TryRun executes the command if selected.
func (c *ConfigCommand) TryRun(ctx context.Context, cmd string, client *core.Core) (bool, error) {
	switch cmd {
	case c.show.FullCommand():
		out, err := yaml.Marshal(client.CurrentConfig())
		if err != nil {
			return true, trace.Wrap(err)
		}
		os.Stdout.Write(out)
		return true, nil
	case c.validate.FullCommand():
		if _, err := config.ReadFromFile(c.path); err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("%v is valid\n", c.path)
		return true, nil
	}
	return false, nil
}
