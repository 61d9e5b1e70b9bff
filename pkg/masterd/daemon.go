// Package masterd wires the master control plane together: the config
// store, lock manager, job queue, and opcode processor, plus the worker
// pool that drains submitted jobs through the processor. The LUXI and
// RAPI servers sit in front of a *Daemon and never touch the components
// directly.
package masterd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ganeti-go/ganeti/pkg/cmdlib"
	"github.com/ganeti-go/ganeti/pkg/config"
	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/events"
	"github.com/ganeti-go/ganeti/pkg/hooks"
	"github.com/ganeti-go/ganeti/pkg/jobqueue"
	"github.com/ganeti-go/ganeti/pkg/locking"
	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/mcpu"
	"github.com/ganeti-go/ganeti/pkg/metrics"
	"github.com/ganeti-go/ganeti/pkg/types"
	"github.com/ganeti-go/ganeti/pkg/watcher"
)

// DefaultWorkers is how many opcodes may execute concurrently. Jobs with
// disjoint lock sets proceed in parallel; the lock manager serializes
// the rest.
const DefaultWorkers = 4

// Options configures a Daemon.
type Options struct {
	DataDir string
	Workers int
	// Hooks runs distributed hook scripts; nil disables hooks entirely
	// (tests, single-node bootstrap).
	Hooks hooks.Runner
	// RPC fans calls out to node daemons; nil disables remote probing.
	RPC mcpu.NodeCaller
	// Events receives job lifecycle events; nil disables publishing.
	Events *events.Broker
}

// Daemon is the assembled master control plane.
type Daemon struct {
	Config  *config.Store
	Locking *locking.Manager
	Queue   *jobqueue.Queue
	Proc    *mcpu.Processor

	events  *events.Broker
	dataDir string

	jobCh  chan int64
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles a Daemon from an existing or fresh config under
// opts.DataDir and starts its worker pool.
func New(opts Options) (*Daemon, error) {
	store, err := config.Open(opts.DataDir)
	if err != nil {
		store, err = config.New(opts.DataDir)
		if err != nil {
			return nil, err
		}
	}
	return NewWithStore(store, opts)
}

// NewWithStore assembles a Daemon around an already-open config store.
func NewWithStore(store *config.Store, opts Options) (*Daemon, error) {
	queue, err := jobqueue.Open(opts.DataDir)
	if err != nil {
		return nil, err
	}

	lockMgr := locking.NewManager()
	snap := store.Snapshot()
	seedLocks(lockMgr, snap)

	clusterName, masterNode := "", ""
	if snap.Cluster != nil {
		clusterName = snap.Cluster.ClusterName
		masterNode = snap.Cluster.MasterNode
	}

	registry := mcpu.NewRegistry()
	cmdlib.Register(registry)

	proc := mcpu.NewProcessor(registry, lockMgr, store, opts.Hooks, clusterName, masterNode)
	proc.RPC = opts.RPC

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		Config:  store,
		Locking: lockMgr,
		Queue:   queue,
		Proc:    proc,
		events:  opts.Events,
		dataDir: opts.DataDir,
		jobCh:   make(chan int64, jobqueue.HardLimit),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.requeuePending()
	return d, nil
}

// seedLocks registers every config-known name with the lock manager, the
// startup-time equivalent of the per-LU Add/Remove discipline.
func seedLocks(mgr *locking.Manager, snap *types.ConfigData) {
	for name := range snap.Instances {
		mgr.AddNames(locking.LevelInstance, name)
	}
	for name := range snap.NodeGroups {
		mgr.AddNames(locking.LevelNodeGroup, name)
	}
	for name := range snap.Nodes {
		mgr.AddNames(locking.LevelNode, name)
	}
}

// requeuePending re-enqueues jobs that were submitted but not finished
// when the previous master process stopped.
func (d *Daemon) requeuePending() {
	jobs, err := d.Queue.QueryJobs()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("could not scan queue for unfinished jobs")
		return
	}
	for i := len(jobs) - 1; i >= 0; i-- { // oldest first
		job := jobs[i]
		switch job.Status {
		case types.JobStatusQueued, types.JobStatusWaiting, types.JobStatusRunning:
			select {
			case d.jobCh <- job.ID:
			default:
				log.Logger.Warn().Int64("job_id", job.ID).Msg("job channel full during recovery")
			}
		}
	}
}

// Close stops the worker pool and releases the queue.
func (d *Daemon) Close() error {
	d.cancel()
	close(d.jobCh)
	d.wg.Wait()
	return d.Queue.Close()
}

func (d *Daemon) worker() {
	defer d.wg.Done()
	for id := range d.jobCh {
		if d.ctx.Err() != nil {
			return
		}
		d.runJob(id)
	}
}

// runJob drives every opcode of one job through the processor in order,
// persisting each transition so WaitForJobChange observers see them.
func (d *Daemon) runJob(id int64) {
	job, err := d.Queue.GetJob(id)
	if err != nil {
		log.Logger.Error().Int64("job_id", id).Err(err).Msg("cannot load job")
		return
	}

	now := time.Now()
	if job.StartTS == nil {
		job.StartTS = &now
	}

	for i := range job.Ops {
		if job.OpStatus[i] != types.OpStatusQueued {
			continue // canceled before start, or already finished (recovery)
		}

		job.OpStatus[i] = types.OpStatusRunning
		if err := d.Queue.UpdateJob(job); err != nil {
			log.Logger.Error().Int64("job_id", id).Err(err).Msg("cannot persist job start")
			return
		}

		checkCancel := func() bool { return d.cancelRequested(id, i) }
		result := d.Proc.Run(d.ctx, job, i, checkCancel)

		job.OpStatus[i] = result.Status
		job.OpResult[i] = result

		if result.Status == types.OpStatusError {
			// Remaining opcodes never run once one fails; mark them
			// canceled so the job reaches a terminal state.
			for j := i + 1; j < len(job.OpStatus); j++ {
				if job.OpStatus[j] == types.OpStatusQueued {
					job.OpStatus[j] = types.OpStatusCanceled
				}
			}
			break
		}
		if result.Status == types.OpStatusCanceled {
			break
		}

		if err := d.Queue.UpdateJob(job); err != nil {
			log.Logger.Error().Int64("job_id", id).Err(err).Msg("cannot persist opcode result")
			return
		}
	}

	end := time.Now()
	job.EndTS = &end
	if err := d.Queue.UpdateJob(job); err != nil {
		log.Logger.Error().Int64("job_id", id).Err(err).Msg("cannot persist job completion")
	}
	metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	if job.StartTS != nil {
		metrics.JobDuration.Observe(end.Sub(*job.StartTS).Seconds())
	}
	d.publish(&events.Event{Type: events.EventJobFinished, JobID: id, Message: string(job.Status)})
}

// cancelRequested reloads the job and reports whether opcode opIndex has
// been marked for cancellation since it started.
func (d *Daemon) cancelRequested(id int64, opIndex int) bool {
	job, err := d.Queue.GetJob(id)
	if err != nil {
		return false
	}
	if job.Status == types.JobStatusCanceling {
		return true
	}
	return opIndex < len(job.OpStatus) && job.OpStatus[opIndex] == types.OpStatusCanceled
}

// SubmitJob implements the LUXI/RAPI submission path: persist the job,
// then hand it to the worker pool.
func (d *Daemon) SubmitJob(opNames []string, ops []json.RawMessage) (*types.Job, error) {
	if len(opNames) != len(ops) || len(ops) == 0 {
		return nil, gerrors.NewOpPrereqError(gerrors.ECodeInval, "job must carry at least one opcode")
	}
	job, err := d.Queue.SubmitJob(opNames, ops)
	if err != nil {
		return nil, err
	}
	select {
	case d.jobCh <- job.ID:
	default:
		// Channel full can only happen past the queue's hard limit,
		// which SubmitJob already enforces.
		return nil, &gerrors.JobQueueFull{Limit: jobqueue.HardLimit}
	}
	d.publish(&events.Event{Type: events.EventJobQueued, JobID: job.ID})
	return job, nil
}

func (d *Daemon) publish(ev *events.Event) {
	if d.events == nil {
		return
	}
	ev.ConfigSerial = d.Config.SerialNo()
	d.events.Publish(ev)
}

// GetJob returns one job by ID.
func (d *Daemon) GetJob(id int64) (*types.Job, error) { return d.Queue.GetJob(id) }

// QueryJobs lists active jobs.
func (d *Daemon) QueryJobs() ([]*types.Job, error) { return d.Queue.QueryJobs() }

// WaitForJobChange long-polls one job.
func (d *Daemon) WaitForJobChange(id int64, fromStatus types.JobStatus, timeout time.Duration) (*types.Job, error) {
	return d.Queue.WaitForJobChange(id, fromStatus, timeout)
}

// CancelJob requests cancellation.
func (d *Daemon) CancelJob(id int64) error { return d.Queue.CancelJob(id) }

// ArchiveJob archives one finished job.
func (d *Daemon) ArchiveJob(id int64) error { return d.Queue.ArchiveJob(id) }

// AutoArchiveJobs archives finished jobs older than age.
func (d *Daemon) AutoArchiveJobs(age time.Duration) (int, error) {
	return d.Queue.AutoArchiveJobs(age)
}

// SetDrainFlag sets or clears the submission drain sentinel.
func (d *Daemon) SetDrainFlag(drain bool) error { return d.Queue.SetDrainFlag(drain) }

// SetWatcherPause records the watcher pause timestamp (0 clears it).
func (d *Daemon) SetWatcherPause(until int64) error {
	return watcher.WritePause(d.dataDir, until)
}

// ConfigSnapshot returns a read-only copy of the cluster config.
func (d *Daemon) ConfigSnapshot() *types.ConfigData { return d.Config.Snapshot() }

// ConfigValue serves one ssconf-style key.
func (d *Daemon) ConfigValue(key string) (string, error) {
	v, err := config.ReadSsconfKey(d.dataDir, key)
	if err != nil {
		return "", gerrors.NewOpPrereqError(gerrors.ECodeNoEnt, "unknown config key %q: %v", key, err)
	}
	return v, nil
}

// WaitForJobCompletion blocks until job id finishes or timeout elapses,
// convenience for in-process callers (tests, bootstrap).
func (d *Daemon) WaitForJobCompletion(id int64, timeout time.Duration) (*types.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := d.Queue.GetJob(id)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case types.JobStatusSuccess, types.JobStatusError, types.JobStatusCanceled:
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("job %d still %s after %s", id, job.Status, timeout)
		}
		if _, err := d.Queue.WaitForJobChange(id, job.Status, 100*time.Millisecond); err != nil {
			return nil, err
		}
	}
}
