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

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/lib/core"
)

// TemplateCommand upgrades and removes individual templates.
type TemplateCommand struct {
	upgrade *kingpin.CmdClause
	rm      *kingpin.CmdClause

	realm  string
	userID string
	actor  string
}

// Initialize registers the command with the app.
func (c *TemplateCommand) Initialize(app *kingpin.Application) {
	template := app.Command("template", "Manage individual templates.")

	c.upgrade = template.Command("upgrade", "Re-encode a user's template with the current encoder.")
	c.upgrade.Arg("realm", "Realm the user belongs to.").Required().StringVar(&c.realm)
	c.upgrade.Arg("user", "User whose template to upgrade.").Required().StringVar(&c.userID)

	c.rm = template.Command("rm", "Erase a user's template and credential record.")
	c.rm.Arg("realm", "Realm the user belongs to.").Required().StringVar(&c.realm)
	c.rm.Arg("user", "User whose template to erase.").Required().StringVar(&c.userID)
	c.rm.Flag("actor", "Admin performing the erasure, recorded in the audit log.").StringVar(&c.actor)
}

// TryRun executes the command if selected.
func (c *TemplateCommand) TryRun(ctx context.Context, cmd string, client *core.Core) (bool, error) {
	switch cmd {
	case c.upgrade.FullCommand():
		record, err := client.UpgradeTemplate(ctx, c.realm, c.userID)
		if err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("template %v upgraded to encoder %q\n", record.TemplateID, record.EncoderVersion)
		return true, nil
	case c.rm.FullCommand():
		if err := client.DeleteUser(ctx, c.realm, c.userID, c.actor); err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("credential of user %q in realm %q erased\n", c.userID, c.realm)
		return true, nil
	}
	return false, nil
}
