// medrouterctl is the operator CLI for the medrouter admin API.
package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oslerlabs/medrouter/internal/store"
)

var version = "dev"

var (
	flagURL   string
	flagToken string
)

func api() *client {
	return newClient(flagURL, flagToken)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "medrouterctl",
		Short:         "Operator CLI for the medrouter admin API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagURL, "url", envOr("MEDROUTER_URL", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("MEDROUTER_TOKEN"), "admin session token")

	root.AddCommand(
		statusCmd(),
		credentialsCmd(),
		featuresCmd(),
		maintenanceCmd(),
		usersCmd(),
		auditCmd(),
		sweepCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and maintenance state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health map[string]any
			if err := api().do("GET", "/health", nil, &health); err != nil {
				return err
			}
			var maint map[string]any
			if err := api().do("GET", "/api/admin/maintenance", nil, &maint); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %v\nmaintenance: %v\n", health["status"], maint["is_active"])
			if level, ok := maint["level"].(string); ok && level != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "level: %s\n", level)
			}
			if reason, ok := maint["reason"].(string); ok && reason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "reason: %s\n", reason)
			}
			return nil
		},
	}
}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credentials", Short: "Manage the shared credential fleet"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Credentials []store.CredentialRecord `json:"credentials"`
			}
			if err := api().do("GET", "/api/admin/credentials", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tFEATURE\tPRIORITY\tSTATUS\tFAILURES")
			for _, c := range resp.Credentials {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
					c.ID, c.Provider, c.Feature, c.Priority, c.Status, c.FailureCount)
			}
			return w.Flush()
		},
	}

	var priority int
	add := &cobra.Command{
		Use:   "add <provider> <feature> <key>",
		Short: "Add a credential to the pool",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Credential store.CredentialRecord `json:"credential"`
			}
			err := api().do("POST", "/api/admin/credentials", map[string]any{
				"provider": args[0], "feature": args[1], "key": args[2], "priority": priority,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Credential.ID)
			return nil
		},
	}
	add.Flags().IntVar(&priority, "priority", 0, "selection priority, higher wins")

	setStatus := func(use, short string, status store.CredentialStatus) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return api().do("PATCH", "/api/admin/credentials/"+args[0],
					map[string]any{"status": status}, nil)
			},
		}
	}

	test := &cobra.Command{
		Use:   "test <id>",
		Short: "Probe a credential once without recording the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Check store.HealthCheckRecord `json:"check"`
			}
			if err := api().do("POST", "/api/admin/credentials/"+args[0]+"/test", nil, &resp); err != nil {
				return err
			}
			if resp.Check.Status == "ok" && resp.Check.LatencyMs != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "ok (%dms)\n", *resp.Check.LatencyMs)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed: %s\n", resp.Check.Error)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return api().do("DELETE", "/api/admin/credentials/"+args[0], nil, nil)
		},
	}

	health := &cobra.Command{
		Use:   "health <id>",
		Short: "Show recent probe results for a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Checks []store.HealthCheckRecord `json:"checks"`
			}
			if err := api().do("GET", "/api/admin/credentials/"+args[0]+"/health", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tSTATUS\tLATENCY_MS\tERROR")
			for _, c := range resp.Checks {
				latency := "-"
				if c.LatencyMs != nil {
					latency = strconv.FormatInt(*c.LatencyMs, 10)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Timestamp.Format("2006-01-02 15:04:05"), c.Status, latency, c.Error)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(list, add, test,
		setStatus("enable", "Reactivate a credential", store.StatusActive),
		setStatus("disable", "Disable a credential", store.StatusDisabled),
		del, health)
	return cmd
}

func featuresCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "features", Short: "Inspect and toggle feature gates"}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show every feature gate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Features map[string]bool `json:"features"`
			}
			if err := api().do("GET", "/api/admin/features", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FEATURE\tENABLED")
			for name, enabled := range resp.Features {
				fmt.Fprintf(w, "%s\t%t\n", name, enabled)
			}
			return w.Flush()
		},
	}

	toggle := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <feature>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return api().do("PUT", "/api/admin/features/"+args[0],
					map[string]bool{"enabled": enabled}, nil)
			},
		}
	}

	cmd.AddCommand(list,
		toggle("enable", "Enable a feature", true),
		toggle("disable", "Disable a feature", false))
	return cmd
}

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "maintenance", Short: "Control maintenance mode"}

	var reason, level string
	enter := &cobra.Command{
		Use:   "enter",
		Short: "Put the system into maintenance",
		RunE: func(_ *cobra.Command, _ []string) error {
			return api().do("POST", "/api/admin/maintenance",
				map[string]string{"level": level, "reason": reason}, nil)
		},
	}
	enter.Flags().StringVar(&reason, "reason", "", "reason shown to users")
	enter.Flags().StringVar(&level, "level", "hard", "soft rejects heavy features only, hard closes everything")

	exit := &cobra.Command{
		Use:   "exit",
		Short: "Leave maintenance",
		RunE: func(_ *cobra.Command, _ []string) error {
			return api().do("DELETE", "/api/admin/maintenance", nil, nil)
		},
	}

	cmd.AddCommand(enter, exit)
	return cmd
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Manage user accounts"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Users []store.UserRecord `json:"users"`
			}
			if err := api().do("GET", "/api/admin/users", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tPLAN\tROLE\tDISABLED")
			for _, u := range resp.Users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", u.ID, u.Email, u.Plan, u.Role, u.Disabled)
			}
			return w.Flush()
		},
	}

	plan := &cobra.Command{
		Use:   "plan <id> <plan>",
		Short: "Change a user's plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return api().do("PATCH", "/api/admin/users/"+args[0]+"/plan",
				map[string]string{"plan": args[1]}, nil)
		},
	}

	setDisabled := func(use, short string, disabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return api().do("PATCH", "/api/admin/users/"+args[0]+"/disabled",
					map[string]bool{"disabled": disabled}, nil)
			},
		}
	}

	resetQuota := &cobra.Command{
		Use:   "reset-quota <id>",
		Short: "Reset a user's counters for today",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return api().do("POST", "/api/admin/users/"+args[0]+"/quota/reset", nil, nil)
		},
	}

	allow := &cobra.Command{
		Use:   "allow <email> <role>",
		Short: "Grant an admin role via the allowlist",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return api().do("PUT", "/api/admin/allowlist",
				map[string]string{"email": args[0], "role": args[1]}, nil)
		},
	}

	role := &cobra.Command{
		Use:   "role <id> <role>",
		Short: "Set the persisted user-row role; admin authority needs this plus an allowlist entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			r := args[1]
			if r == "none" {
				r = ""
			}
			return api().do("PATCH", "/api/admin/users/"+args[0]+"/role",
				map[string]string{"role": r}, nil)
		},
	}

	cmd.AddCommand(list, plan,
		setDisabled("disable", "Disable a user account", true),
		setDisabled("enable", "Re-enable a user account", false),
		resetQuota, allow, role)
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent admin actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Entries []store.AuditRecord `json:"entries"`
			}
			if err := api().do("GET", "/api/admin/audit?limit="+strconv.Itoa(limit), nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tADMIN\tACTION\tTARGET")
			for _, e := range resp.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.AdminID, e.ActionType, e.TargetType, e.TargetID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Force an immediate credential health sweep",
		RunE: func(_ *cobra.Command, _ []string) error {
			return api().do("POST", "/api/admin/health/sweep", nil, nil)
		},
	}
}
