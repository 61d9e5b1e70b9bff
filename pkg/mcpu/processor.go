package mcpu

import (
	"context"
	"fmt"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/config"
	"github.com/ganeti-go/ganeti/pkg/hooks"
	"github.com/ganeti-go/ganeti/pkg/locking"
	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// Processor runs one opcode at a time through its full lifecycle:
// ExpandNames, per-level DeclareLocks+Acquire (ascending), CheckPrereq,
// pre-hooks, Exec (skipped on dry run), post-hooks, RunConfigUpdate (if
// the config was written), then releases every lock in reverse order.
type Processor struct {
	Registry    *Registry
	Locking     *locking.Manager
	Config      *config.Store
	Hooks       hooks.Runner
	RPC         NodeCaller
	ClusterName string
	MasterNode  string
}

// NewProcessor builds a Processor wired to the given components.
func NewProcessor(registry *Registry, lockMgr *locking.Manager, cfg *config.Store, runner hooks.Runner, clusterName, masterNode string) *Processor {
	return &Processor{
		Registry: registry, Locking: lockMgr, Config: cfg, Hooks: runner,
		ClusterName: clusterName, MasterNode: masterNode,
	}
}

// Run executes one opcode of job, returning its OpResult. The caller
// (the job-queue worker loop) is responsible for writing the result back
// into the job's persisted state.
func (p *Processor) Run(ctx context.Context, job *types.Job, opIndex int, checkCancel func() bool) types.OpResult {
	start := time.Now()
	opName := job.OpNames[opIndex]

	lu, err := p.Registry.New(opName)
	if err != nil {
		return errorResult(start, err)
	}
	if err := lu.Decode(job.Ops[opIndex]); err != nil {
		return errorResult(start, &gerrors.OpPrereqError{Msg: fmt.Sprintf("decode %s: %v", opName, err), ECode: gerrors.ECodeInval})
	}

	luCtx := &Context{
		Ctx:         ctx,
		Config:      p.Config,
		Manager:     p.Locking,
		RPC:         p.RPC,
		MasterNode:  p.MasterNode,
		Dry:         lu.DryRun(),
		CheckCancel: checkCancel,
		Vars:        make(map[string]interface{}),
	}

	ownerID := locking.OwnerID(fmt.Sprintf("job-%d-op-%d", job.ID, opIndex))
	owner := p.Locking.NewOwner(ownerID)
	luCtx.Owner = owner
	defer owner.ReleaseAll() // release everything in reverse order on every exit path

	bglOpts := locking.AcquireOpts{Shared: !lu.NeedsExclusiveBGL(), Timeout: lu.LockTimeout()}
	if _, err := owner.Acquire(locking.LevelCluster, []string{locking.BGLName}, bglOpts); err != nil {
		return lockErrorResult(start, err)
	}

	if err := lu.ExpandNames(luCtx); err != nil {
		return errorResult(start, err)
	}
	if luCtx.Cancelled() {
		return canceledResult(start)
	}

	for level := locking.LevelInstance; level <= locking.LevelNodeAlloc; level++ {
		names, shared, err := lu.DeclareLocks(luCtx, level)
		if err != nil {
			return errorResult(start, err)
		}
		if len(names) == 0 {
			continue
		}
		if _, err := owner.Acquire(level, names, locking.AcquireOpts{Shared: shared, Timeout: lu.LockTimeout()}); err != nil {
			return lockErrorResult(start, err)
		}
	}
	if luCtx.Cancelled() {
		return canceledResult(start)
	}

	if err := lu.CheckPrereq(luCtx); err != nil {
		return errorResult(start, err)
	}
	if luCtx.Cancelled() {
		return canceledResult(start)
	}

	var master *hooks.Master
	var preEnv map[string]string
	hasHooks := lu.HooksPath() != "" && p.Hooks != nil
	if hasHooks {
		preNodes, postNodes := lu.HooksNodes(luCtx)
		master = hooks.NewMaster(p.Hooks, opName, lu.HooksPath(), lu.HType(), p.ClusterName, p.MasterNode,
			preNodes, postNodes,
			func(phase hooks.Phase) map[string]string { return lu.BuildHooksEnv(luCtx, phase) }, nil)
		env, err := master.RunPre(ctx)
		preEnv = env
		if err != nil {
			// Pre-phase failure aborts before Exec ever runs.
			return errorResult(start, err)
		}
	}

	var result interface{}
	writeBefore := p.Config.SerialNo()
	if !luCtx.Dry {
		r, err := lu.Exec(luCtx)
		if err != nil {
			// Exec already started: post-hooks do not run on failure.
			return errorResult(start, err)
		}
		result = r

		if hasHooks {
			master.RunPost(ctx, preEnv)
		}
	} else {
		// Dry run: Exec and post-hooks are both skipped entirely; the
		// caller gets the projection the LU computed during CheckPrereq
		// instead.
		result = luCtx.DryRunResult
	}

	writeAfter := p.Config.SerialNo()
	if writeAfter != writeBefore && p.Hooks != nil {
		hooks.RunConfigUpdate(ctx, p.Hooks, p.MasterNode)
	}

	// dropECReservations: a no-op by construction. ipam.Pool.GenerateFree
	// never reserves, so no opcode ever leaves a provisional reservation
	// behind that would need unwinding here (see DESIGN.md).

	return successResult(start, result)
}

func errorResult(start time.Time, err error) types.OpResult {
	msg := err.Error()
	log.Logger.Debug().Err(err).Msg("opcode failed")
	return types.OpResult{
		Status:  types.OpStatusError,
		Error:   &msg,
		StartTS: start,
		EndTS:   time.Now(),
	}
}

// lockErrorResult maps a lock-acquire timeout to an OpPrereqError; any
// other lock-manager error passes through unchanged.
func lockErrorResult(start time.Time, err error) types.OpResult {
	if _, ok := err.(*gerrors.LockAcquireTimeout); ok {
		err = gerrors.NewOpPrereqError(gerrors.ECodeState, "timed out acquiring locks: %v", err)
	}
	return errorResult(start, err)
}

func canceledResult(start time.Time) types.OpResult {
	return types.OpResult{
		Status:  types.OpStatusCanceled,
		StartTS: start,
		EndTS:   time.Now(),
	}
}

func successResult(start time.Time, result interface{}) types.OpResult {
	return types.OpResult{
		Status:  types.OpStatusSuccess,
		Result:  result,
		StartTS: start,
		EndTS:   time.Now(),
	}
}
