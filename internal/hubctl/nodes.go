package hubctl

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codernetes/hub/internal/models"
)

func newNodesCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect and manage the node inventory",
	}

	cmd.AddCommand(
		newNodesListCmd(client),
		newNodesAddCmd(client),
		newNodesRemoveCmd(client),
		newNodesActionCmd(client),
	)
	return cmd
}

func newNodesListCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := client().ListNodes(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(nodes))
			for _, node := range nodes {
				lastSeen := "-"
				if node.LastSeen != nil {
					lastSeen = node.LastSeen.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{
					node.ID,
					node.Name,
					fmt.Sprintf("%s:%d", node.Host, node.Port),
					string(node.Status),
					formatYesNo(node.Connected),
					strings.Join(node.Tags, ","),
					lastSeen,
				})
			}
			return writeTable(cmd.OutOrStdout(),
				[]string{"ID", "NAME", "ADDRESS", "STATUS", "CONNECTED", "TAGS", "LAST SEEN"}, rows)
		},
	}
}

func newNodesAddCmd(client func() *Client) *cobra.Command {
	var (
		id    string
		name  string
		host  string
		port  int
		tags  []string
		notes string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a node record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := client().CreateNode(cmd.Context(), models.RemoteNodeRecord{
				ID:    id,
				Name:  name,
				Host:  host,
				Port:  port,
				Tags:  tags,
				Notes: notes,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered node %s (%s)\n", record.Name, record.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "node id (generated when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "node name (required)")
	cmd.Flags().StringVar(&host, "host", "", "node host (required)")
	cmd.Flags().IntVar(&port, "port", 22, "node port")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "capability tags")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newNodesRemoveCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <node-id>",
		Short: "Delete a node record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DeleteNode(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return nil
		},
	}
}

var knownNodeActions = []string{"mark_online", "mark_offline", "mark_maintenance", "mark_busy", "touch"}

func newNodesActionCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:       "action <node-id> <action>",
		Short:     "Apply an administrative action to a node record",
		Long:      "Apply an administrative action: " + strings.Join(knownNodeActions, ", ") + ".",
		Args:      cobra.ExactArgs(2),
		ValidArgs: knownNodeActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := client().NodeAction(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node %s is now %s\n", record.Name, record.Status)
			return nil
		},
	}
}
