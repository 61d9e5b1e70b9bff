// Package cmdlib implements the logical units: the concrete opcode
// bodies that plug into the processor's LU contract (pkg/mcpu). Every
// LU walks the same phases — ExpandNames, DeclareLocks, CheckPrereq,
// Exec — with explicit error returns at each step.
package cmdlib

import (
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/mcpu"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// OpBase carries the fields every opcode accepts: the dry_run flag and
// an optional bound on lock acquisition.
type OpBase struct {
	Dry            bool    `json:"dry_run"`
	LockTimeoutSec float64 `json:"lock_timeout"`
}

// DryRun implements part of mcpu.LU.
func (o OpBase) DryRun() bool { return o.Dry }

// LockTimeout implements part of mcpu.LU; zero means the processor's
// adaptive retry schedule applies.
func (o OpBase) LockTimeout() time.Duration {
	return time.Duration(o.LockTimeoutSec * float64(time.Second))
}

// Register adds every LU in this package to reg, keyed by the opcode
// names LUXI/RAPI submit.
func Register(reg *mcpu.Registry) {
	reg.Register("OP_GROUP_ADD", func() mcpu.LU { return &GroupAdd{} })
	reg.Register("OP_GROUP_REMOVE", func() mcpu.LU { return &GroupRemove{} })
	reg.Register("OP_GROUP_ASSIGN_NODES", func() mcpu.LU { return &GroupAssignNodes{} })
	reg.Register("OP_GROUP_SET_PARAMS", func() mcpu.LU { return &GroupSetParams{} })
	reg.Register("OP_NODE_ADD", func() mcpu.LU { return &NodeAdd{} })
	reg.Register("OP_NODE_REMOVE", func() mcpu.LU { return &NodeRemove{} })
	reg.Register("OP_NODE_SET_PARAMS", func() mcpu.LU { return &NodeSetParams{} })
	reg.Register("OP_CLUSTER_VERIFY", func() mcpu.LU { return &ClusterVerify{} })
}

func groupExists(data *types.ConfigData, name string) bool {
	_, ok := data.NodeGroups[name]
	return ok
}

func nodeExists(data *types.ConfigData, name string) bool {
	_, ok := data.Nodes[name]
	return ok
}

func notExistsErr(kind, name string) error {
	return gerrors.NewOpPrereqError(gerrors.ECodeNoEnt, "%s %q does not exist", kind, name)
}

func alreadyExistsErr(kind, name string) error {
	return gerrors.NewOpPrereqError(gerrors.ECodeExists, "%s %q already exists", kind, name)
}
