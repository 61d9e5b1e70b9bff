// Package cli carries what every gnt-* binary shares: the exit-code
// convention, the LUXI client plumbing, and the submit-and-wait loop
// with its progress display.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/luxi"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// Exit codes shared by every gnt-* tool.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitDeclined       = 2
	ExitNotCluster     = 5
	ExitNotMaster      = 11
	ExitNodeSetupError = 12
	ExitConfirmation   = 13
	ExitNotCandidate   = 14
)

// DefaultSocketPath is where the master daemon listens unless
// overridden by --socket or GANETI_MASTER_SOCKET.
const DefaultSocketPath = "/var/lib/ganeti/master.sock"

// SocketPath resolves the LUXI socket path from flag value > environment
// > default.
func SocketPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("GANETI_MASTER_SOCKET"); env != "" {
		return env
	}
	return DefaultSocketPath
}

// Client builds a LUXI client for the resolved socket path.
func Client(socketFlag string) *luxi.Client {
	return luxi.NewClient(SocketPath(socketFlag))
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
)

// StatusColor renders a job or opcode status in the conventional color.
func StatusColor(status string) string {
	switch status {
	case string(types.JobStatusSuccess):
		return okColor.Sprint(status)
	case string(types.JobStatusError):
		return errColor.Sprint(status)
	case string(types.JobStatusCanceled), string(types.JobStatusCanceling):
		return warnColor.Sprint(status)
	default:
		return status
	}
}

// Op builds one OpSpec from an opcode name and a body that marshals to
// JSON.
func Op(name string, body interface{}) (luxi.OpSpec, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return luxi.OpSpec{}, err
	}
	return luxi.OpSpec{Name: name, Body: raw}, nil
}

// SubmitAndWait submits one job, renders a progress bar while it runs,
// and returns the finished job. The returned exit code follows the
// shared convention; callers pass it straight to os.Exit.
func SubmitAndWait(client *luxi.Client, label string, ops ...luxi.OpSpec) (*types.Job, int) {
	id, err := client.SubmitJob(ops)
	if err != nil {
		return nil, reportError(err)
	}
	fmt.Printf("Job %d submitted\n", id)

	progress := mpb.New(mpb.WithWidth(40))
	bar := progress.AddSpinner(int64(len(ops)), mpb.SpinnerOnLeft,
		mpb.PrependDecorators(decor.Name(label)),
		mpb.AppendDecorators(decor.CountersNoUnit("%d/%d opcodes")),
	)

	job, err := client.QueryJob(id)
	if err != nil {
		bar.Abort(true)
		progress.Wait()
		return nil, reportError(err)
	}
	completed := int64(0)
	for {
		job, err = client.WaitForJobChange(id, job.Status, time.Second)
		if err != nil {
			bar.Abort(true)
			progress.Wait()
			return nil, reportError(err)
		}
		done := int64(0)
		for _, s := range job.OpStatus {
			switch s {
			case types.OpStatusSuccess, types.OpStatusError, types.OpStatusCanceled:
				done++
			}
		}
		for completed < done {
			bar.Increment()
			completed++
		}
		switch job.Status {
		case types.JobStatusSuccess, types.JobStatusError, types.JobStatusCanceled:
			bar.SetTotal(int64(len(ops)), true)
			progress.Wait()
			return job, jobExitCode(job)
		}
	}
}

func jobExitCode(job *types.Job) int {
	if job.Status == types.JobStatusSuccess {
		return ExitSuccess
	}
	for _, res := range job.OpResult {
		if res.Error != nil {
			errColor.Fprintf(os.Stderr, "Failure: %s\n", *res.Error)
		}
	}
	return ExitFailure
}

func reportError(err error) int {
	errColor.Fprintf(os.Stderr, "Error: %v\n", err)
	switch err.(type) {
	case *gerrors.JobQueueDrainError, *gerrors.JobQueueFull:
		return ExitNotMaster
	default:
		return ExitFailure
	}
}

// Confirm asks a yes/no question on stdin; used by destructive commands
// unless --force is given.
func Confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	return answer == "y" || answer == "Y" || answer == "yes"
}
