package hubctl

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Execute runs the hubctl CLI.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hubctl",
		Short:         "Operator CLI for the codernetes hub",
		Long:          "hubctl manages jobs, nodes, and connected sessions via the hub's REST API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	server := defaultServer()
	cmd.PersistentFlags().StringVar(&server, "server", server, "hub API base URL")

	client := func() *Client { return NewClient(server) }

	cmd.AddCommand(
		newJobsCmd(client),
		newNodesCmd(client),
		newStatusCmd(client),
		newBroadcastCmd(client),
		newSendCmd(client),
		newGithubCmd(client),
	)

	return cmd
}

func defaultServer() string {
	if server := os.Getenv("HUBCTL_SERVER"); server != "" {
		return server
	}
	return "http://127.0.0.1:8080"
}

func newStatusCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the hub's runtime status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "uptime:   %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
			fmt.Fprintf(out, "nodes:    %d connected\n", status.ConnectedNodes)
			fmt.Fprintf(out, "bridges:  %d connected\n", status.ConnectedBridges)
			fmt.Fprintln(out, "jobs:")
			for _, state := range []string{"pending", "queued", "running", "succeeded", "failed", "cancelled"} {
				if n, ok := status.Jobs[state]; ok {
					fmt.Fprintf(out, "  %-10s %d\n", state, n)
				}
			}
			return nil
		},
	}
}

func newBroadcastCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast <text>",
		Short: "Send a text message to every connected session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delivered, err := client().Broadcast(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d session(s)\n", delivered)
			return nil
		},
	}
}

func newSendCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "send <node-id> <text>",
		Short: "Send a text message to one connected session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().SendText(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
}

func newGithubCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "github",
		Short: "Manage GitHub credentials and repository lookups",
	}

	tokenCmd := &cobra.Command{
		Use:   "set-token <user-id> <token>",
		Short: "Store a GitHub token for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().SetGithubToken(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token stored")
			return nil
		},
	}

	reposCmd := &cobra.Command{
		Use:   "repos <user-id>",
		Short: "List repositories visible to a user's token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := client().ListGithubRepos(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(repos))
			for _, repo := range repos {
				rows = append(rows, []string{repo.FullName, repo.DefaultBranch, repo.URL})
			}
			return writeTable(cmd.OutOrStdout(), []string{"REPO", "BRANCH", "URL"}, rows)
		},
	}

	cmd.AddCommand(tokenCmd, reposCmd)
	return cmd
}
