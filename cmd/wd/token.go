package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/workdesk/internal/auth"
	"github.com/zulandar/workdesk/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		username   string
		role       string
		perms      []string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		Long: `Signs an HS256 token with server.jwt_secret. Without --perm the role
preset (admin, manager, developer) supplies the permission set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if _, ok := auth.RolePresets[role]; !ok && len(perms) == 0 {
				return fmt.Errorf("unknown role %q and no --perm given", role)
			}
			if username == "" {
				username = userID
			}
			id := auth.NewIdentity(userID, username, role, perms)
			tok, err := auth.IssueToken(cfg.Server.JWTSecret, id, ttl)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "# %s (%s) expires in %s: %s\n", username, role, ttl, strings.Join(id.PermissionList(), " "))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&userID, "user", "", "subject user id (required)")
	cmd.Flags().StringVar(&username, "username", "", "username claim (default: user id)")
	cmd.Flags().StringVar(&role, "role", "developer", "role preset")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "explicit permission, e.g. tasks.assign (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}
