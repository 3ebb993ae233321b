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
	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/lib/asciitable"
	"github.com/gravitational/faceauth/lib/core"
	"github.com/gravitational/faceauth/types"
)

// GDPRCommand manages the deletion request pipeline.
type GDPRCommand struct {
	request  *kingpin.CmdClause
	review   *kingpin.CmdClause
	cancel   *kingpin.CmdClause
	ls       *kingpin.CmdClause
	process  *kingpin.CmdClause
	escalate *kingpin.CmdClause

	realm     string
	userID    string
	reason    string
	priority  string
	requestID string
	approve   bool
	decline   bool
	reviewer  string
	note      string
}

// Initialize registers the command with the app.
func (c *GDPRCommand) Initialize(app *kingpin.Application) {
	gdpr := app.Command("gdpr", "Manage biometric data deletion requests.")

	c.request = gdpr.Command("request", "File a deletion request for review.")
	c.request.Arg("realm", "Realm the user belongs to.").Required().StringVar(&c.realm)
	c.request.Arg("user", "User whose data is to be erased.").Required().StringVar(&c.userID)
	c.request.Flag("reason", "Stated reason for the request.").Required().StringVar(&c.reason)
	c.request.Flag("priority", "Review priority: low, normal or high.").Default("normal").StringVar(&c.priority)

	c.review = gdpr.Command("review", "Approve or decline a pending request.")
	c.review.Arg("id", "Request id.").Required().StringVar(&c.requestID)
	c.review.Flag("approve", "Approve the request.").BoolVar(&c.approve)
	c.review.Flag("decline", "Decline the request.").BoolVar(&c.decline)
	c.review.Flag("reviewer", "Admin making the decision.").Required().StringVar(&c.reviewer)
	c.review.Flag("note", "Optional review note.").StringVar(&c.note)

	c.cancel = gdpr.Command("cancel", "Withdraw a pending request.")
	c.cancel.Arg("id", "Request id.").Required().StringVar(&c.requestID)

	c.ls = gdpr.Command("ls", "List deletion requests.")

	c.process = gdpr.Command("process", "Process approved and retry-due requests now.")

	c.escalate = gdpr.Command("escalate", "Flag pending requests older than the escalation age.")
}

// TryRun executes the command if selected.
func (c *GDPRCommand) TryRun(ctx context.Context, cmd string, client *core.Core) (bool, error) {
	switch cmd {
	case c.request.FullCommand():
		req, err := client.SubmitDeletionRequest(ctx, c.realm, c.userID, c.reason, types.DeletionPriority(c.priority))
		if err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("deletion request %v filed, pending review\n", req.ID)
		return true, nil
	case c.review.FullCommand():
		if c.approve == c.decline {
			return true, trace.BadParameter("pass exactly one of --approve or --decline")
		}
		req, err := client.ReviewDeletionRequest(ctx, c.requestID, c.approve, c.reviewer, c.note)
		if err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("deletion request %v is now %v\n", req.ID, req.State)
		return true, nil
	case c.cancel.FullCommand():
		req, err := client.CancelDeletionRequest(ctx, c.requestID)
		if err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("deletion request %v cancelled\n", req.ID)
		return true, nil
	case c.ls.FullCommand():
		return true, trace.Wrap(c.list(ctx, client))
	case c.process.FullCommand():
		completed, err := client.ProcessDeletionRequests(ctx)
		if err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("%d deletion requests completed\n", completed)
		return true, nil
	case c.escalate.FullCommand():
		escalated, err := client.EscalateStaleDeletionRequests(ctx)
		if err != nil {
			return true, trace.Wrap(err)
		}
		fmt.Printf("%d deletion requests escalated\n", escalated)
		return true, nil
	}
	return false, nil
}

func (c *GDPRCommand) list(ctx context.Context, client *core.Core) error {
	requests, err := client.ListDeletionRequests(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	table := asciitable.MakeTable([]string{"ID", "Realm", "User", "State", "Priority", "Requested", "Escalated"})
	for _, req := range requests {
		escalated := ""
		if req.Escalated {
			escalated = "yes"
		}
		table.AddRow([]string{
			req.ID,
			req.Realm,
			req.UserID,
			string(req.State),
			string(req.Priority),
			humanize.Time(req.RequestedAt),
			escalated,
		})
	}
	fmt.Print(table.String())
	return nil
}
