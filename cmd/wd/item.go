package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/zulandar/workdesk/internal/archive"
	"github.com/zulandar/workdesk/internal/auth"
	"github.com/zulandar/workdesk/internal/lifecycle"
	"github.com/zulandar/workdesk/internal/models"
	"github.com/zulandar/workdesk/internal/repo"
)

func newItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Inspect and archive work items",
	}

	cmd.AddCommand(newItemListCmd())
	cmd.AddCommand(newItemShowCmd())
	cmd.AddCommand(newItemUnpostCmd())
	return cmd
}

func newItemListCmd() *cobra.Command {
	var (
		configPath string
		kind       string
		status     string
		assignee   string
		unposted   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.Filter{
				Status:       models.Status(status),
				AssigneeID:   assignee,
				OnlyUnposted: unposted,
			}
			if kind != "" {
				k, err := models.ParseKind(kind)
				if err != nil {
					return err
				}
				f.Kind = k
			}
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			items, err := repo.New(gormDB).FindMany(context.Background(), f)
			if err != nil {
				return err
			}
			renderItems(cmd, items)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "filter by kind (task, complaint)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee id")
	cmd.Flags().BoolVar(&unposted, "unposted", false, "list only unposted items")
	return cmd
}

func renderItems(cmd *cobra.Command, items []models.WorkItem) {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No work items.")
		return
	}
	tw := newTable(out)
	tw.AppendHeader(table.Row{"Code", "Title", "Company", "Priority", "Status", "Dev", "Assignee", "Created"})
	for i := range items {
		item := &items[i]
		assignee := "-"
		if a := item.AssignedTo(); a != nil {
			assignee = a.Username
		}
		tw.AppendRow(table.Row{
			item.DisplayCode,
			truncate(lifecycle.Title(item), 40),
			truncate(lifecycle.CompanyName(item), 24),
			lifecycle.PriorityOf(item),
			item.Status,
			item.DeveloperStatus,
			assignee,
			formatTime(&item.CreatedAt),
		})
	}
	tw.Render()
}

func newItemShowCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one work item with its attachments and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			r := repo.New(gormDB)
			ctx := context.Background()
			item, err := r.Get(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := r.Events(ctx, item.ID)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"item": lifecycle.NewView(item), "events": events})
			}
			renderItem(cmd, item, events)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func renderItem(cmd *cobra.Command, item *models.WorkItem, events []models.WorkItemEvent) {
	out := cmd.OutOrStdout()
	view := lifecycle.NewView(item)

	fmt.Fprintf(out, "%s  %s\n", item.DisplayCode, view.Title)
	fmt.Fprintf(out, "Kind:        %s\n", item.Kind)
	fmt.Fprintf(out, "Status:      %s (developer: %s)\n", item.Status, item.DeveloperStatus)
	fmt.Fprintf(out, "Priority:    %s\n", view.Priority)
	fmt.Fprintf(out, "Company:     %s\n", view.CompanyName)
	fmt.Fprintf(out, "Contact:     %s\n", item.Contact.Name)
	if view.AssignedTo != nil {
		fmt.Fprintf(out, "Assignee:    %s (%s)\n", view.AssignedTo.Username, view.AssignedTo.Name)
	}
	fmt.Fprintf(out, "Created:     %s\n", formatTime(&item.CreatedAt))
	fmt.Fprintf(out, "Assigned:    %s (after %s)\n", formatTime(item.AssignedAt), view.AssignmentLatency.Text)
	fmt.Fprintf(out, "Resolved:    %s (after %s)\n", formatTime(item.ResolvedAt), view.ResolutionTime.Text)
	if item.Unposted {
		fmt.Fprintf(out, "Unposted:    %s\n", formatTime(item.UnpostedAt))
	}
	fmt.Fprintf(out, "\n%s\n", strings.TrimSpace(item.Description))

	if len(item.Attachments) > 0 {
		fmt.Fprintln(out)
		tw := newTable(out)
		tw.AppendHeader(table.Row{"Phase", "File", "Size", "Type", "File ID"})
		for _, p := range models.Phases {
			for _, a := range view.AttachmentSets[p] {
				tw.AppendRow(table.Row{p, a.FileName, a.FileSizeBytes, a.ContentType, a.FileID})
			}
		}
		tw.Render()
	}

	if len(events) > 0 {
		fmt.Fprintln(out)
		tw := newTable(out)
		tw.AppendHeader(table.Row{"When", "Action", "Actor", "From", "To", "Remarks"})
		for _, ev := range events {
			tw.AppendRow(table.Row{formatTime(&ev.CreatedAt), ev.Action, ev.ActorID, ev.FromStatus, ev.ToStatus, truncate(ev.Remarks, 40)})
		}
		tw.Render()
	}
}

func newItemUnpostCmd() *cobra.Command {
	var (
		configPath string
		kind       string
	)

	cmd := &cobra.Command{
		Use:   "unpost <id>...",
		Short: "Move work items out of active views",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := models.ParseKind(kind)
			if err != nil {
				return err
			}
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			res, err := archive.New(repo.New(gormDB), nil, nil).UnpostMany(context.Background(), auth.System(), k, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Unposted %d %s(s)\n", res.Modified, k)
			if len(res.Missing) > 0 {
				fmt.Fprintf(out, "Not found: %s\n", strings.Join(res.Missing, ", "))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&kind, "kind", "k", "task", "kind of the listed items (task, complaint)")
	return cmd
}
