package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/zulandar/workdesk/internal/models"
	"github.com/zulandar/workdesk/internal/repo"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the assignee directory",
	}

	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserListCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var (
		configPath string
		u          models.User
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user work items can be assigned to",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			if err := repo.New(gormDB).CreateUser(context.Background(), &u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added user %s (%s)\n", u.Username, u.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&u.ID, "id", "", "user id (default: generated)")
	cmd.Flags().StringVar(&u.Username, "username", "", "unique username (required)")
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.RoleName, "role", "developer", "role name")
	cmd.MarkFlagRequired("username")
	return cmd
}

func newUserListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directory users",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			users, err := repo.New(gormDB).ListUsers(context.Background())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(users) == 0 {
				fmt.Fprintln(out, "No users.")
				return nil
			}
			tw := newTable(out)
			tw.AppendHeader(table.Row{"ID", "Username", "Name", "Role"})
			for _, u := range users {
				tw.AppendRow(table.Row{u.ID, u.Username, u.Name, u.RoleName})
			}
			tw.Render()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
