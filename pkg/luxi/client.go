package luxi

import (
	"encoding/json"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// Method names accepted by the LUXI server.
const (
	MethodSubmitJob         = "SubmitJob"
	MethodSubmitManyJobs    = "SubmitManyJobs"
	MethodWaitForJobChange  = "WaitForJobChange"
	MethodCancelJob         = "CancelJob"
	MethodArchiveJob        = "ArchiveJob"
	MethodAutoArchiveJobs   = "AutoArchiveJobs"
	MethodQueryJobs         = "QueryJobs"
	MethodQueryConfigValues = "QueryConfigValues"
	MethodQueryClusterInfo  = "QueryClusterInfo"
	MethodSetDrainFlag      = "SetDrainFlag"
	MethodSetWatcherPause   = "SetWatcherPause"
)

// waitForJobChangeCap is the server-side ceiling on a WaitForJobChange
// long poll; clients asking for more are silently clamped.
const waitForJobChangeCap = 60 * time.Second

// OpSpec is one opcode in a submission: its registered name (e.g.
// "OP_GROUP_ADD") plus its JSON body.
type OpSpec struct {
	Name string          `json:"name"`
	Body json.RawMessage `json:"body"`
}

// Client is a LUXI client over one socket path. Each call opens a fresh
// connection; LUXI conversations are short-lived request/reply pairs.
type Client struct {
	path           string
	connectTimeout time.Duration
	rwTimeout      time.Duration
}

// NewClient builds a Client for the socket at path with default timeouts.
func NewClient(path string) *Client {
	return &Client{path: path, connectTimeout: DefaultConnectTimeout, rwTimeout: DefaultRWTimeout}
}

// CallMethod performs one request/reply round trip, decoding the reply
// into out (if non-nil). A {"success":false} reply is decoded back into
// the matching concrete error type via the error envelope registry.
func (c *Client) CallMethod(method string, args interface{}, out interface{}) error {
	tr, err := Dial(c.path, c.connectTimeout, c.rwTimeout)
	if err != nil {
		return err
	}
	defer tr.Close()

	argsJSON, err := jsonAPI.Marshal(args)
	if err != nil {
		return err
	}
	reqJSON, err := jsonAPI.Marshal(request{Method: method, Args: argsJSON})
	if err != nil {
		return err
	}
	if err := tr.Send(reqJSON); err != nil {
		return err
	}
	replyJSON, err := tr.Recv()
	if err != nil {
		return err
	}

	var resp response
	if err := jsonAPI.Unmarshal(replyJSON, &resp); err != nil {
		return err
	}
	if !resp.Success {
		var env gerrors.Envelope
		if err := jsonAPI.Unmarshal(resp.Result, &env); err != nil {
			return gerrors.NewProgrammerError("malformed luxi error reply: %v", err)
		}
		return gerrors.FromEnvelope(env)
	}
	if out != nil {
		return jsonAPI.Unmarshal(resp.Result, out)
	}
	return nil
}

// SubmitJob submits one job and returns its ID.
func (c *Client) SubmitJob(ops []OpSpec) (int64, error) {
	var id int64
	if err := c.CallMethod(MethodSubmitJob, ops, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// SubmitManyJobs submits several jobs atomically per job (not across
// jobs) and returns their IDs in submission order.
func (c *Client) SubmitManyJobs(jobs [][]OpSpec) ([]int64, error) {
	var ids []int64
	if err := c.CallMethod(MethodSubmitManyJobs, jobs, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

type waitArgs struct {
	ID         int64           `json:"id"`
	FromStatus types.JobStatus `json:"from_status"`
	TimeoutMS  int64           `json:"timeout_ms"`
}

// WaitForJobChange long-polls until job id's status changes away from
// fromStatus or timeout elapses, returning the job's current state.
func (c *Client) WaitForJobChange(id int64, fromStatus types.JobStatus, timeout time.Duration) (*types.Job, error) {
	var job types.Job
	args := waitArgs{ID: id, FromStatus: fromStatus, TimeoutMS: timeout.Milliseconds()}
	if err := c.CallMethod(MethodWaitForJobChange, args, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForJobCompletion polls WaitForJobChange until the job reaches a
// terminal status or the deadline elapses.
func (c *Client) WaitForJobCompletion(id int64, deadline time.Time) (*types.Job, error) {
	for {
		job, err := c.QueryJob(id)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case types.JobStatusSuccess, types.JobStatusError, types.JobStatusCanceled:
			return job, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return job, nil
		}
		if _, err := c.WaitForJobChange(id, job.Status, waitForJobChangeCap); err != nil {
			return nil, err
		}
	}
}

// CancelJob requests cancellation of job id.
func (c *Client) CancelJob(id int64) error {
	return c.CallMethod(MethodCancelJob, id, nil)
}

// ArchiveJob moves a finished job into the archive.
func (c *Client) ArchiveJob(id int64) error {
	return c.CallMethod(MethodArchiveJob, id, nil)
}

// AutoArchiveJobs archives every finished job older than age, returning
// how many were moved.
func (c *Client) AutoArchiveJobs(age time.Duration) (int, error) {
	var n int
	if err := c.CallMethod(MethodAutoArchiveJobs, int64(age.Seconds()), &n); err != nil {
		return 0, err
	}
	return n, nil
}

// QueryJobs lists active jobs, newest first.
func (c *Client) QueryJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	if err := c.CallMethod(MethodQueryJobs, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// QueryJob fetches one job by ID: a WaitForJobChange call with a zero
// timeout, which the server answers straight from the job without
// waiting.
func (c *Client) QueryJob(id int64) (*types.Job, error) {
	var job types.Job
	if err := c.CallMethod(MethodWaitForJobChange, waitArgs{ID: id, FromStatus: "", TimeoutMS: 0}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// QueryConfigValues fetches the named ssconf-style keys.
func (c *Client) QueryConfigValues(keys []string) (map[string]string, error) {
	var values map[string]string
	if err := c.CallMethod(MethodQueryConfigValues, keys, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// ClusterInfo is the QueryClusterInfo reply.
type ClusterInfo struct {
	ClusterName string   `json:"cluster_name"`
	MasterNode  string   `json:"master_node"`
	Nodes       []string `json:"nodes"`
	NodeGroups  []string `json:"nodegroups"`
	Instances   []string `json:"instances"`
	SerialNo    int64    `json:"serial_no"`
}

// QueryClusterInfo fetches basic cluster facts.
func (c *Client) QueryClusterInfo() (*ClusterInfo, error) {
	var info ClusterInfo
	if err := c.CallMethod(MethodQueryClusterInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetDrainFlag sets or clears the queue drain sentinel.
func (c *Client) SetDrainFlag(drain bool) error {
	return c.CallMethod(MethodSetDrainFlag, drain, nil)
}

// SetWatcherPause pauses the watcher until the given UNIX timestamp (0
// unpauses).
func (c *Client) SetWatcherPause(until int64) error {
	return c.CallMethod(MethodSetWatcherPause, until, nil)
}
