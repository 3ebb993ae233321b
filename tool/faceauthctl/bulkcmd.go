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
	"strconv"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/lib/asciitable"
	"github.com/gravitational/faceauth/lib/bulk"
	"github.com/gravitational/faceauth/lib/core"
	"github.com/gravitational/faceauth/types"
)

// BulkCommand manages bulk operations.
type BulkCommand struct {
	run      *kingpin.CmdClause
	ls       *kingpin.CmdClause
	progress *kingpin.CmdClause
	cancel   *kingpin.CmdClause
	resubmit *kingpin.CmdClause

	kind        string
	realm       string
	templateIDs []int64
	tags        []string
	actor       string
	operationID string
}

// Initialize registers the command with the app.
func (c *BulkCommand) Initialize(app *kingpin.Application) {
	bulkCmd := app.Command("bulk", "Run and inspect bulk operations.")

	c.run = bulkCmd.Command("run", "Start a bulk operation.")
	c.run.Arg("kind", "Operation kind: delete, upgrade, tag or status.").Required().StringVar(&c.kind)
	c.run.Arg("realm", "Realm the operation is scoped to.").Required().StringVar(&c.realm)
	c.run.Flag("id", "Template id, repeatable.").Required().Int64ListVar(&c.templateIDs)
	c.run.Flag("tag", "Replacement tag for tag sweeps, repeatable.").StringsVar(&c.tags)
	c.run.Flag("actor", "Admin starting the operation.").StringVar(&c.actor)

	c.ls = bulkCmd.Command("ls", "List bulk operation records.")

	c.progress = bulkCmd.Command("progress", "Show the progress of a bulk operation.")
	c.progress.Arg("id", "Operation id.").Required().StringVar(&c.operationID)

	c.cancel = bulkCmd.Command("cancel", "Cancel a running bulk operation.")
	c.cancel.Arg("id", "Operation id.").Required().StringVar(&c.operationID)

	c.resubmit = bulkCmd.Command("resubmit-failed", "Retry the retryable failures of a finished operation.")
	c.resubmit.Arg("id", "Operation id.").Required().StringVar(&c.operationID)
	c.resubmit.Flag("tag", "Replacement tag for tag sweeps, repeatable.").StringsVar(&c.tags)
	c.resubmit.Flag("actor", "Admin resubmitting the operation.").StringVar(&c.actor)
}

// TryRun executes the command if selected.
func (c *BulkCommand) TryRun(ctx context.Context, cmd string, client *core.Core) (bool, error) {
	switch cmd {
	case c.run.FullCommand():
		return true, trace.Wrap(c.runOperation(ctx, client))
	case c.ls.FullCommand():
		return true, trace.Wrap(c.list(ctx, client))
	case c.progress.FullCommand():
		return true, trace.Wrap(c.showProgress(ctx, client))
	case c.cancel.FullCommand():
		if err := client.CancelBulkOperation(ctx, c.operationID); err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("operation %v cancelled\n", c.operationID)
		return true, nil
	case c.resubmit.FullCommand():
		op, err := client.ResubmitFailedBulkOperation(ctx, c.operationID, c.tags, c.actor)
		if err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("operation %v started over %d items\n", op.ID, op.Total)
		return true, nil
	}
	return false, nil
}

func (c *BulkCommand) runOperation(ctx context.Context, client *core.Core) error {
	ids := make([]types.TemplateID, 0, len(c.templateIDs))
	for _, id := range c.templateIDs {
		ids = append(ids, types.TemplateID(id))
	}
	op, err := client.SubmitBulkOperation(ctx, bulk.Submission{
		Kind:        types.BulkKind(c.kind),
		Realm:       c.realm,
		TemplateIDs: ids,
		Tags:        c.tags,
		Actor:       c.actor,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("operation %v started over %d items\n", op.ID, op.Total)
	return nil
}

func (c *BulkCommand) list(ctx context.Context, client *core.Core) error {
	ops, err := client.ListBulkOperations(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	table := asciitable.MakeTable([]string{"ID", "Kind", "Realm", "State", "Progress", "Started"})
	for _, op := range ops {
		table.AddRow([]string{
			op.ID,
			string(op.Kind),
			op.Realm,
			string(op.State),
			fmt.Sprintf("%d/%d (%d failed)", op.Processed, op.Total, op.Failed),
			humanize.Time(op.StartedAt),
		})
	}
	fmt.Print(table.String())
	return nil
}

func (c *BulkCommand) showProgress(ctx context.Context, client *core.Core) error {
	progress, err := client.BulkProgress(ctx, c.operationID)
	if err != nil {
		return trace.Wrap(err)
	}
	table := asciitable.MakeTable([]string{"State", "Total", "Processed", "Succeeded", "Failed"})
	table.AddRow([]string{
		string(progress.State),
		strconv.Itoa(progress.Total),
		strconv.Itoa(progress.Processed),
		strconv.Itoa(progress.Succeeded),
		strconv.Itoa(progress.Failed),
	})
	fmt.Print(table.String())
	return nil
}
