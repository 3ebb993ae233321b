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
	"strconv"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/lib/asciitable"
	"github.com/gravitational/faceauth/lib/core"
)

// StatusCommand reports template and service status.
type StatusCommand struct {
	user    *kingpin.CmdClause
	health  *kingpin.CmdClause
	service *kingpin.CmdClause

	realm  string
	userID string
}

// Initialize registers the command with the app.
func (c *StatusCommand) Initialize(app *kingpin.Application) {
	status := app.Command("status", "Report template and service status.")

	c.user = status.Command("user", "Show a user's template status.")
	c.user.Arg("realm", "Realm the user belongs to.").Required().StringVar(&c.realm)
	c.user.Arg("user", "User to inspect.").Required().StringVar(&c.userID)

	c.health = status.Command("health", "Classify every credential in a realm.")
	c.health.Arg("realm", "Realm to report on.").Required().StringVar(&c.realm)

	c.service = status.Command("service", "Show the biometric service health.")
}

// TryRun executes the command if selected.
func (c *StatusCommand) TryRun(ctx context.Context, cmd string, client *core.Core) (bool, error) {
	switch cmd {
	case c.user.FullCommand():
		return true, trace.Wrap(c.showUser(ctx, client))
	case c.health.FullCommand():
		return true, trace.Wrap(c.showHealth(ctx, client))
	case c.service.FullCommand():
		return true, trace.Wrap(c.showService(ctx, client))
	}
	return false, nil
}

func (c *StatusCommand) showUser(ctx context.Context, client *core.Core) error {
	status, err := client.TemplateStatus(ctx, c.realm, c.userID)
	if err != nil {
		return trace.Wrap(err)
	}
	table := asciitable.MakeTable([]string{"Template ID", "Available", "Encoder", "Vectors", "Thumbnails", "Enrolled"})
	table.AddRow([]string{
		strconv.FormatInt(int64(status.TemplateID), 10),
		strconv.FormatBool(status.Available),
		status.EncoderVersion,
		strconv.Itoa(status.FeatureVectorCount),
		strconv.FormatBool(status.ThumbnailsStored),
		humanize.Time(status.EnrolledAt),
	})
	fmt.Print(table.String())
	return nil
}

func (c *StatusCommand) showHealth(ctx context.Context, client *core.Core) error {
	entries, err := client.HealthReport(ctx, c.realm)
	if err != nil {
		return trace.Wrap(err)
	}
	table := asciitable.MakeTable([]string{"User", "Template ID", "Health", "Detail"})
	for _, entry := range entries {
		table.AddRow([]string{
			entry.UserID,
			strconv.FormatInt(int64(entry.TemplateID), 10),
			string(entry.Health),
			entry.Detail,
		})
	}
	fmt.Print(table.String())
	return nil
}

func (c *StatusCommand) showService(ctx context.Context, client *core.Core) error {
	health, err := client.ServiceHealth(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintf(os.Stdout, "available: %v\naverage latency: %v\nerror rate (1m): %.3f\n",
		health.Available, health.AverageLatency, health.ErrorRate1m)
	return nil
}
