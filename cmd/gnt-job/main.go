// gnt-job inspects and manages the master's job queue.
package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ganeti-go/ganeti/pkg/cli"
	"github.com/ganeti-go/ganeti/pkg/types"
)

var socketFlag string

func main() {
	root := &cobra.Command{
		Use:   "gnt-job",
		Short: "Inspect and manage jobs",
	}
	root.PersistentFlags().StringVar(&socketFlag, "socket", "", "master daemon socket path")

	root.AddCommand(listCmd())
	root.AddCommand(infoCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(cancelCmd())
	root.AddCommand(archiveCmd())
	root.AddCommand(autoArchiveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitFailure)
	}
}

func parseJobID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad job id %q\n", arg)
		os.Exit(cli.ExitFailure)
	}
	return id
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := cli.Client(socketFlag).QueryJobs()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(cli.ExitNotCluster)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tStatus\tOpcodes")
			for _, job := range jobs {
				fmt.Fprintf(w, "%d\t%s\t%d\n", job.ID, cli.StatusColor(string(job.Status)), len(job.OpNames))
			}
			return w.Flush()
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := cli.Client(socketFlag).QueryJob(parseJobID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("Job %d: %s\n", job.ID, cli.StatusColor(string(job.Status)))
			fmt.Printf("Received: %s\n", job.ReceivedTS.Format(time.RFC3339))
			if job.StartTS != nil {
				fmt.Printf("Started:  %s\n", job.StartTS.Format(time.RFC3339))
			}
			if job.EndTS != nil {
				fmt.Printf("Ended:    %s\n", job.EndTS.Format(time.RFC3339))
			}
			for i, name := range job.OpNames {
				fmt.Printf("  [%d] %s: %s\n", i, name, cli.StatusColor(string(job.OpStatus[i])))
				if res := job.OpResult[i]; res.Error != nil {
					fmt.Printf("      error: %s\n", *res.Error)
				}
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := cli.Client(socketFlag)
			job, err := client.WaitForJobCompletion(parseJobID(args[0]), time.Now().Add(24*time.Hour))
			if err != nil {
				return err
			}
			fmt.Printf("Job %d finished: %s\n", job.ID, cli.StatusColor(string(job.Status)))
			if job.Status != types.JobStatusSuccess {
				os.Exit(cli.ExitFailure)
			}
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Client(socketFlag).CancelJob(parseJobID(args[0]))
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Move a finished job into the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Client(socketFlag).ArchiveJob(parseJobID(args[0]))
		},
	}
}

func autoArchiveCmd() *cobra.Command {
	var age time.Duration
	cmd := &cobra.Command{
		Use:   "autoarchive",
		Short: "Archive all finished jobs older than --age",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := cli.Client(socketFlag).AutoArchiveJobs(age)
			if err != nil {
				return err
			}
			fmt.Printf("Archived %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&age, "age", 6*time.Hour, "minimum age of jobs to archive")
	return cmd
}
