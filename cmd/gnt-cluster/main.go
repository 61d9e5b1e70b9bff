// gnt-cluster manages cluster-wide state: bootstrap, info, verification,
// the job queue drain flag, and the watcher pause.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ganeti-go/ganeti/pkg/cli"
	"github.com/ganeti-go/ganeti/pkg/cmdlib"
	"github.com/ganeti-go/ganeti/pkg/config"
	"github.com/ganeti-go/ganeti/pkg/rapi"
	"github.com/ganeti-go/ganeti/pkg/security"
	"github.com/ganeti-go/ganeti/pkg/types"
)

var socketFlag string

func main() {
	root := &cobra.Command{
		Use:   "gnt-cluster",
		Short: "Manage cluster-wide Ganeti state",
	}
	root.PersistentFlags().StringVar(&socketFlag, "socket", "", "master daemon socket path")

	root.AddCommand(initCmd())
	root.AddCommand(infoCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(watcherCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitFailure)
	}
}

func initCmd() *cobra.Command {
	var (
		dataDir   string
		masterIP  string
		rapiUser  string
	)
	cmd := &cobra.Command{
		Use:   "init <cluster-name> <master-node-name>",
		Short: "Bootstrap a new cluster on this node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterName, masterNode := args[0], args[1]

			if _, err := config.Open(dataDir); err == nil {
				return fmt.Errorf("a cluster already exists under %s", dataDir)
			}

			store, err := config.New(dataDir)
			if err != nil {
				return err
			}
			err = store.Update(func(data *types.ConfigData) error {
				data.Cluster = &types.Cluster{
					ClusterName:       clusterName,
					UUID:              uuid.NewString(),
					MasterNode:        masterNode,
					CandidatePoolSize: 10,
				}
				data.NodeGroups["default"] = &types.NodeGroup{
					Name:        "default",
					UUID:        uuid.NewString(),
					AllocPolicy: cmdlib.AllocPolicyPreferred,
				}
				data.Nodes[masterNode] = &types.Node{
					Name:          masterNode,
					UUID:          uuid.NewString(),
					PrimaryIP:     masterIP,
					Role:          types.NodeRoleMaster,
					Group:         "default",
					MasterCapable: true,
					VMCapable:     true,
				}
				return nil
			})
			if err != nil {
				return err
			}

			// Cluster CA, node certificate bundles, confd key.
			ca, err := security.NewClusterCA(clusterName)
			if err != nil {
				return err
			}
			var ips []net.IP
			if ip := net.ParseIP(masterIP); ip != nil {
				ips = append(ips, ip)
			}
			if err := ca.Bundle().Save(filepath.Join(dataDir, "server.pem")); err != nil {
				return err
			}
			rapiBundle, err := ca.IssueNodeCert(masterNode, ips)
			if err != nil {
				return err
			}
			if err := rapiBundle.Save(filepath.Join(dataDir, "rapi.pem")); err != nil {
				return err
			}
			hmacKey, err := security.GenerateHMACKey()
			if err != nil {
				return err
			}
			if err := security.WriteHMACKey(filepath.Join(dataDir, "hmac.key"), hmacKey); err != nil {
				return err
			}

			// RAPI admin account.
			fmt.Printf("Password for RAPI user %q: ", rapiUser)
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return err
			}
			if len(password) == 0 {
				fmt.Fprintln(os.Stderr, "Empty password, aborting")
				os.Exit(cli.ExitDeclined)
			}
			users := rapi.NewUsers()
			if err := users.Add(rapiUser, string(password), rapi.RoleWrite); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(dataDir, "rapi"), 0o700); err != nil {
				return err
			}
			if err := users.Save(filepath.Join(dataDir, "rapi", "users")); err != nil {
				return err
			}

			fmt.Printf("Cluster %q initialized, master node %q\n", clusterName, masterNode)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/ganeti", "cluster data directory")
	cmd.Flags().StringVar(&masterIP, "master-ip", "", "primary IP of the master node")
	cmd.Flags().StringVar(&rapiUser, "rapi-user", "admin", "initial RAPI account name")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show basic cluster facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := cli.Client(socketFlag).QueryClusterInfo()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(cli.ExitNotCluster)
			}
			fmt.Printf("Cluster name: %s\n", info.ClusterName)
			fmt.Printf("Master node:  %s\n", info.MasterNode)
			fmt.Printf("Serial:       %d\n", info.SerialNo)
			fmt.Printf("Nodes:        %s\n", strings.Join(info.Nodes, ", "))
			fmt.Printf("Node groups:  %s\n", strings.Join(info.NodeGroups, ", "))
			fmt.Printf("Instances:    %s\n", strings.Join(info.Instances, ", "))
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run cluster-wide sanity checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := cli.Op("OP_CLUSTER_VERIFY", map[string]interface{}{})
			if err != nil {
				return err
			}
			job, code := cli.SubmitAndWait(cli.Client(socketFlag), "verify", op)
			if job != nil && job.Status == types.JobStatusSuccess {
				printVerifyResult(job)
			}
			os.Exit(code)
			return nil
		},
	}
}

func printVerifyResult(job *types.Job) {
	result, ok := job.OpResult[0].Result.(map[string]interface{})
	if !ok {
		return
	}
	problems, _ := result["problems"].([]interface{})
	if len(problems) == 0 {
		fmt.Println("Cluster verification passed")
		return
	}
	fmt.Printf("Found %d problem(s):\n", len(problems))
	for _, p := range problems {
		fmt.Printf("  - %v\n", p)
	}
}

func queueCmd() *cobra.Command {
	queue := &cobra.Command{Use: "queue", Short: "Control job submission"}
	queue.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Reject new job submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Client(socketFlag).SetDrainFlag(true)
		},
	})
	queue.AddCommand(&cobra.Command{
		Use:   "undrain",
		Short: "Accept job submissions again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Client(socketFlag).SetDrainFlag(false)
		},
	})
	return queue
}

func watcherCmd() *cobra.Command {
	w := &cobra.Command{Use: "watcher", Short: "Control the cluster watcher"}
	var duration time.Duration
	pause := &cobra.Command{
		Use:   "pause",
		Short: "Pause the watcher for a while",
		RunE: func(cmd *cobra.Command, args []string) error {
			until := time.Now().Add(duration).Unix()
			return cli.Client(socketFlag).SetWatcherPause(until)
		},
	}
	pause.Flags().DurationVar(&duration, "duration", time.Hour, "how long to pause")
	w.AddCommand(pause)
	w.AddCommand(&cobra.Command{
		Use:   "continue",
		Short: "Resume the watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Client(socketFlag).SetWatcherPause(0)
		},
	})
	return w
}
