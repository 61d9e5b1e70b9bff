// gnt-group manages node groups through the master daemon.
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
		Use:   "gnt-group",
		Short: "Manage node groups",
	}
	root.PersistentFlags().StringVar(&socketFlag, "socket", "", "master daemon socket path")

	root.AddCommand(listCmd())
	root.AddCommand(addCmd())
	root.AddCommand(removeCmd())
	root.AddCommand(modifyCmd())
	root.AddCommand(assignNodesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitFailure)
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List node groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := cli.Client(socketFlag).QueryClusterInfo()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(cli.ExitNotCluster)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "Group")
			for _, name := range info.NodeGroups {
				fmt.Fprintln(w, name)
			}
			return w.Flush()
		},
	}
}

func addCmd() *cobra.Command {
	var allocPolicy string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a node group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := cli.Op("OP_GROUP_ADD", map[string]interface{}{
				"group_name":   args[0],
				"alloc_policy": allocPolicy,
			})
			if err != nil {
				return err
			}
			_, code := cli.SubmitAndWait(cli.Client(socketFlag), "group add", op)
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&allocPolicy, "alloc-policy", "preferred", "allocation policy (preferred, last_resort, unallocable)")
	return cmd
}

func removeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete an empty node group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && !cli.Confirm(fmt.Sprintf("Remove group %q?", args[0])) {
				os.Exit(cli.ExitDeclined)
			}
			op, err := cli.Op("OP_GROUP_REMOVE", map[string]interface{}{"group_name": args[0]})
			if err != nil {
				return err
			}
			_, code := cli.SubmitAndWait(cli.Client(socketFlag), "group remove", op)
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func modifyCmd() *cobra.Command {
	var (
		allocPolicy string
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "modify <name>",
		Short: "Change group parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"group_name": args[0], "dry_run": dryRun}
			if allocPolicy != "" {
				body["alloc_policy"] = allocPolicy
			}
			op, err := cli.Op("OP_GROUP_SET_PARAMS", body)
			if err != nil {
				return err
			}
			_, code := cli.SubmitAndWait(cli.Client(socketFlag), "group modify", op)
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&allocPolicy, "alloc-policy", "", "new allocation policy")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate without applying")
	return cmd
}

func assignNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign-nodes <group> <node>...",
		Short: "Move nodes into a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := cli.Op("OP_GROUP_ASSIGN_NODES", map[string]interface{}{
				"group_name": args[0],
				"nodes":      args[1:],
			})
			if err != nil {
				return err
			}
			_, code := cli.SubmitAndWait(cli.Client(socketFlag), "assign nodes", op)
			os.Exit(code)
			return nil
		},
	}
}
