// gnt-node manages cluster membership and node roles.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ganeti-go/ganeti/pkg/cli"
)

var socketFlag string

func main() {
	root := &cobra.Command{
		Use:   "gnt-node",
		Short: "Manage cluster nodes",
	}
	root.PersistentFlags().StringVar(&socketFlag, "socket", "", "master daemon socket path")

	root.AddCommand(listCmd())
	root.AddCommand(addCmd())
	root.AddCommand(removeCmd())
	root.AddCommand(modifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitFailure)
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cluster nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := cli.Client(socketFlag).QueryClusterInfo()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(cli.ExitNotCluster)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "Node")
			for _, name := range info.Nodes {
				fmt.Fprintln(w, name)
			}
			return w.Flush()
		},
	}
}

func addCmd() *cobra.Command {
	var (
		primaryIP   string
		secondaryIP string
		group       string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Join a node to the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := cli.Op("OP_NODE_ADD", map[string]interface{}{
				"node_name":    args[0],
				"primary_ip":   primaryIP,
				"secondary_ip": secondaryIP,
				"group":        group,
			})
			if err != nil {
				return err
			}
			_, code := cli.SubmitAndWait(cli.Client(socketFlag), "node add", op)
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&primaryIP, "primary-ip", "", "node's primary IP (required)")
	cmd.Flags().StringVar(&secondaryIP, "secondary-ip", "", "node's replication IP")
	cmd.Flags().StringVar(&group, "group", "default", "node group to join")
	_ = cmd.MarkFlagRequired("primary-ip")
	return cmd
}

func removeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a node hosting no instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && !cli.Confirm(fmt.Sprintf("Remove node %q from the cluster?", args[0])) {
				os.Exit(cli.ExitDeclined)
			}
			op, err := cli.Op("OP_NODE_REMOVE", map[string]interface{}{"node_name": args[0]})
			if err != nil {
				return err
			}
			_, code := cli.SubmitAndWait(cli.Client(socketFlag), "node remove", op)
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func modifyCmd() *cobra.Command {
	var (
		masterCandidate string
		drained         string
		offline         string
	)
	cmd := &cobra.Command{
		Use:   "modify <name>",
		Short: "Change a node's role flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"node_name": args[0]}
			for flag, value := range map[string]string{
				"master_candidate": masterCandidate,
				"drained":          drained,
				"offline":          offline,
			} {
				switch value {
				case "":
				case "yes":
					body[flag] = true
				case "no":
					body[flag] = false
				default:
					return fmt.Errorf("--%s wants yes or no, got %q", flag, value)
				}
			}
			op, err := cli.Op("OP_NODE_SET_PARAMS", body)
			if err != nil {
				return err
			}
			_, code := cli.SubmitAndWait(cli.Client(socketFlag), "node modify", op)
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&masterCandidate, "master-candidate", "", "promote/demote master candidacy (yes/no)")
	cmd.Flags().StringVar(&drained, "drained", "", "drain the node (yes/no)")
	cmd.Flags().StringVar(&offline, "offline", "", "mark the node offline (yes/no)")
	return cmd
}
