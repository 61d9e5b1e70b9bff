// Package mcpu implements the opcode processor: the per-opcode
// lifecycle that expands lock names, acquires them level by level,
// checks preconditions, runs hooks, and executes — or, for a dry run,
// stops short of Exec and post-hooks entirely.
package mcpu

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/config"
	"github.com/ganeti-go/ganeti/pkg/hooks"
	"github.com/ganeti-go/ganeti/pkg/locking"
	"github.com/ganeti-go/ganeti/pkg/rpc"
)

// Context is the per-execution state an LU's methods receive: the
// config store, this opcode's lock owner, whether it's a dry run, a
// cancellation probe, and a scratch map for LU-private values carried
// between lifecycle methods.
type Context struct {
	Ctx         context.Context
	Config      *config.Store
	Owner       *locking.Owner
	Manager     *locking.Manager
	RPC         NodeCaller
	MasterNode  string
	Dry         bool
	CheckCancel func() bool
	Vars        map[string]interface{}

	// DryRunResult is the projected result a dry-run invocation reports
	// instead of executing. LUs that support dry runs populate it from
	// CheckPrereq, once every lock is held and the projection is safe to
	// compute.
	DryRunResult interface{}
}

// NodeCaller is the slice of the RPC runner LUs call
// through: fan a method out to a node set and get per-node results back.
type NodeCaller interface {
	Call(ctx context.Context, nodes []string, method string, args interface{}) map[string]rpc.Result
}

// Cancelled reports whether the job's cancellation flag has been set.
func (c *Context) Cancelled() bool {
	return c.CheckCancel != nil && c.CheckCancel()
}

// LU is the logical-unit contract every opcode implementation
// satisfies.
type LU interface {
	// Decode unmarshals the opcode's raw JSON body into the LU's fields.
	Decode(raw json.RawMessage) error

	// DryRun reports whether this invocation must stop short of Exec.
	DryRun() bool

	// LockTimeout is the caller-supplied bound on each lock acquisition;
	// zero means the adaptive retry schedule applies.
	LockTimeout() time.Duration

	// NeedsExclusiveBGL reports whether the cluster-level lock (BGL) must
	// be held exclusively rather than shared for this opcode.
	NeedsExclusiveBGL() bool

	// ExpandNames resolves symbolic names (e.g. "all nodes in group X")
	// into concrete lock names, stashing whatever DeclareLocks/CheckPrereq
	// need in ctx.Vars.
	ExpandNames(ctx *Context) error

	// DeclareLocks returns the names to acquire at level (nil if this LU
	// touches nothing at that level) and whether the acquisition is
	// shared.
	DeclareLocks(ctx *Context, level locking.Level) (names []string, shared bool, err error)

	// CheckPrereq validates that execution can proceed once every lock is
	// held. A failure here is always an OpPrereqError.
	CheckPrereq(ctx *Context) error

	// Exec performs the opcode's effect, returning the job-visible result.
	// Never called for a dry run.
	Exec(ctx *Context) (interface{}, error)

	// HooksPath returns the hook suffix for this LU's object type, or ""
	// if this opcode has no hooks.
	HooksPath() string
	HType() hooks.HType
	// HooksNodes returns the node sets hooks fan out to for the pre and
	// post phases respectively.
	HooksNodes(ctx *Context) (pre, post []string)
	// BuildHooksEnv returns the per-LU (unprefixed) environment for phase.
	BuildHooksEnv(ctx *Context, phase hooks.Phase) map[string]string
}

// Factory builds a fresh, undecoded LU instance for one opcode kind.
type Factory func() LU

// Registry maps opcode kind names (e.g. "OP_GROUP_ADD") to Factory.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for opName.
func (r *Registry) Register(opName string, f Factory) {
	r.factories[opName] = f
}

// New builds a fresh LU for opName, or a ProgrammerError if it is
// unknown. RAPI only submits registered names; LUXI passes the client's
// opcode names through unchecked, so an unknown one submitted there
// fails here.
func (r *Registry) New(opName string) (LU, error) {
	f, ok := r.factories[opName]
	if !ok {
		return nil, gerrors.NewProgrammerError("no LU registered for opcode %q", opName)
	}
	return f(), nil
}

// BaseLU supplies no-op implementations of the hook-related methods for
// LUs that declare no hooks (e.g. job-queue-only operations), so
// concrete LUs can embed it and override only what they need.
type BaseLU struct{}

func (BaseLU) HooksPath() string                                      { return "" }
func (BaseLU) HType() hooks.HType                                     { return "" }
func (BaseLU) HooksNodes(*Context) (pre, post []string)               { return nil, nil }
func (BaseLU) BuildHooksEnv(*Context, hooks.Phase) map[string]string  { return nil }
func (BaseLU) NeedsExclusiveBGL() bool                                { return false }

// opDisplayName renders an opcode's display name for logging, e.g. in job log
// entries.
func opDisplayName(opName string, index int) string {
	return fmt.Sprintf("%s[%d]", opName, index)
}
