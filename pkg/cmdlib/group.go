package cmdlib

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/hooks"
	"github.com/ganeti-go/ganeti/pkg/locking"
	"github.com/ganeti-go/ganeti/pkg/mcpu"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// Allocation policies a node group can carry.
const (
	AllocPolicyPreferred   = "preferred"
	AllocPolicyLastResort  = "last_resort"
	AllocPolicyUnallocable = "unallocable"
)

func validAllocPolicy(p string) bool {
	switch p {
	case AllocPolicyPreferred, AllocPolicyLastResort, AllocPolicyUnallocable:
		return true
	}
	return false
}

// GroupAdd creates a new, empty node group.
type GroupAdd struct {
	mcpu.BaseLU
	OpBase
	Name        string            `json:"group_name"`
	AllocPolicy string            `json:"alloc_policy"`
	NodeParams  map[string]string `json:"ndparams"`
}

func (lu *GroupAdd) Decode(raw json.RawMessage) error { return json.Unmarshal(raw, lu) }

func (lu *GroupAdd) ExpandNames(ctx *mcpu.Context) error {
	if lu.Name == "" {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "group name must not be empty")
	}
	if lu.AllocPolicy == "" {
		lu.AllocPolicy = AllocPolicyPreferred
	}
	return nil
}

// DeclareLocks takes the group set-level lock exclusively: the new name
// is created under it, so nothing else can be listing or adding groups
// while this runs.
func (lu *GroupAdd) DeclareLocks(ctx *mcpu.Context, level locking.Level) ([]string, bool, error) {
	if level == locking.LevelNodeGroup {
		return []string{locking.AllSet}, false, nil
	}
	return nil, false, nil
}

func (lu *GroupAdd) CheckPrereq(ctx *mcpu.Context) error {
	if !validAllocPolicy(lu.AllocPolicy) {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "invalid alloc policy %q", lu.AllocPolicy)
	}
	snap := ctx.Config.Snapshot()
	if groupExists(snap, lu.Name) {
		return alreadyExistsErr("group", lu.Name)
	}
	ctx.DryRunResult = map[string]interface{}{"group_name": lu.Name, "alloc_policy": lu.AllocPolicy}
	return nil
}

func (lu *GroupAdd) Exec(ctx *mcpu.Context) (interface{}, error) {
	group := &types.NodeGroup{
		Name:        lu.Name,
		UUID:        uuid.NewString(),
		AllocPolicy: lu.AllocPolicy,
		NodeParams:  lu.NodeParams,
	}
	err := ctx.Config.Update(func(data *types.ConfigData) error {
		if groupExists(data, lu.Name) {
			return alreadyExistsErr("group", lu.Name)
		}
		data.NodeGroups[lu.Name] = group
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Register the new name with the lock manager while we still hold the
	// set-level lock exclusively.
	if err := ctx.Manager.LockSet(locking.LevelNodeGroup).Add(ctx.Owner.ID(), []string{lu.Name}, false, false); err != nil {
		return nil, err
	}
	return map[string]interface{}{"group_name": lu.Name, "uuid": group.UUID}, nil
}

func (lu *GroupAdd) HooksPath() string  { return "group-add" }
func (lu *GroupAdd) HType() hooks.HType { return hooks.HTypeGroup }

func (lu *GroupAdd) HooksNodes(ctx *mcpu.Context) (pre, post []string) {
	return []string{ctx.MasterNode}, []string{ctx.MasterNode}
}

func (lu *GroupAdd) BuildHooksEnv(ctx *mcpu.Context, phase hooks.Phase) map[string]string {
	return map[string]string{
		"GROUP_NAME":         lu.Name,
		"GROUP_ALLOC_POLICY": lu.AllocPolicy,
	}
}

// GroupRemove deletes an empty node group.
type GroupRemove struct {
	mcpu.BaseLU
	OpBase
	Name string `json:"group_name"`
}

func (lu *GroupRemove) Decode(raw json.RawMessage) error { return json.Unmarshal(raw, lu) }

func (lu *GroupRemove) ExpandNames(ctx *mcpu.Context) error {
	if lu.Name == "" {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "group name must not be empty")
	}
	// An unknown name has no lock to declare; report it as missing here.
	if !groupExists(ctx.Config.Snapshot(), lu.Name) {
		return notExistsErr("group", lu.Name)
	}
	return nil
}

func (lu *GroupRemove) DeclareLocks(ctx *mcpu.Context, level locking.Level) ([]string, bool, error) {
	if level == locking.LevelNodeGroup {
		return []string{lu.Name}, false, nil
	}
	return nil, false, nil
}

func (lu *GroupRemove) CheckPrereq(ctx *mcpu.Context) error {
	snap := ctx.Config.Snapshot()
	if !groupExists(snap, lu.Name) {
		return notExistsErr("group", lu.Name)
	}
	for _, node := range snap.Nodes {
		if node.Group == lu.Name {
			return gerrors.NewOpPrereqError(gerrors.ECodeState,
				"group %q still has node %q assigned", lu.Name, node.Name)
		}
	}
	ctx.DryRunResult = map[string]interface{}{"group_name": lu.Name}
	return nil
}

func (lu *GroupRemove) Exec(ctx *mcpu.Context) (interface{}, error) {
	err := ctx.Config.Update(func(data *types.ConfigData) error {
		if !groupExists(data, lu.Name) {
			return notExistsErr("group", lu.Name)
		}
		delete(data.NodeGroups, lu.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// We hold the name exclusively; drop it from the lock manager so
	// waiters get a "removed" error instead of blocking forever.
	if err := ctx.Manager.LockSet(locking.LevelNodeGroup).Remove(ctx.Owner.ID(), []string{lu.Name}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (lu *GroupRemove) HooksPath() string  { return "group-remove" }
func (lu *GroupRemove) HType() hooks.HType { return hooks.HTypeGroup }

func (lu *GroupRemove) HooksNodes(ctx *mcpu.Context) (pre, post []string) {
	return []string{ctx.MasterNode}, []string{ctx.MasterNode}
}

func (lu *GroupRemove) BuildHooksEnv(ctx *mcpu.Context, phase hooks.Phase) map[string]string {
	return map[string]string{"GROUP_NAME": lu.Name}
}

// GroupAssignNodes moves a set of nodes into a group.
type GroupAssignNodes struct {
	mcpu.BaseLU
	OpBase
	Name  string   `json:"group_name"`
	Nodes []string `json:"nodes"`
}

func (lu *GroupAssignNodes) Decode(raw json.RawMessage) error { return json.Unmarshal(raw, lu) }

func (lu *GroupAssignNodes) ExpandNames(ctx *mcpu.Context) error {
	if lu.Name == "" {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "group name must not be empty")
	}
	if len(lu.Nodes) == 0 {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "no nodes to assign")
	}
	sort.Strings(lu.Nodes)
	return nil
}

func (lu *GroupAssignNodes) DeclareLocks(ctx *mcpu.Context, level locking.Level) ([]string, bool, error) {
	switch level {
	case locking.LevelNodeGroup:
		return []string{lu.Name}, false, nil
	case locking.LevelNode:
		return lu.Nodes, false, nil
	}
	return nil, false, nil
}

func (lu *GroupAssignNodes) CheckPrereq(ctx *mcpu.Context) error {
	snap := ctx.Config.Snapshot()
	if !groupExists(snap, lu.Name) {
		return notExistsErr("group", lu.Name)
	}
	for _, n := range lu.Nodes {
		if !nodeExists(snap, n) {
			return notExistsErr("node", n)
		}
	}
	ctx.DryRunResult = map[string]interface{}{"group_name": lu.Name, "nodes": lu.Nodes}
	return nil
}

func (lu *GroupAssignNodes) Exec(ctx *mcpu.Context) (interface{}, error) {
	err := ctx.Config.Update(func(data *types.ConfigData) error {
		if !groupExists(data, lu.Name) {
			return notExistsErr("group", lu.Name)
		}
		for _, n := range lu.Nodes {
			node, ok := data.Nodes[n]
			if !ok {
				return notExistsErr("node", n)
			}
			node.Group = lu.Name
			node.SerialNo++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (lu *GroupAssignNodes) HooksPath() string  { return "group-assign-nodes" }
func (lu *GroupAssignNodes) HType() hooks.HType { return hooks.HTypeGroup }

func (lu *GroupAssignNodes) HooksNodes(ctx *mcpu.Context) (pre, post []string) {
	return []string{ctx.MasterNode}, []string{ctx.MasterNode}
}

func (lu *GroupAssignNodes) BuildHooksEnv(ctx *mcpu.Context, phase hooks.Phase) map[string]string {
	env := map[string]string{"GROUP_NAME": lu.Name}
	for i, n := range lu.Nodes {
		env[fmt.Sprintf("NODE_%d", i)] = n
	}
	return env
}

// GroupSetParams modifies a group's alloc policy and node parameters.
type GroupSetParams struct {
	mcpu.BaseLU
	OpBase
	Name        string            `json:"group_name"`
	AllocPolicy *string           `json:"alloc_policy"`
	NodeParams  map[string]string `json:"ndparams"`
}

func (lu *GroupSetParams) Decode(raw json.RawMessage) error { return json.Unmarshal(raw, lu) }

func (lu *GroupSetParams) ExpandNames(ctx *mcpu.Context) error {
	if lu.Name == "" {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "group name must not be empty")
	}
	if lu.AllocPolicy == nil && lu.NodeParams == nil {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "nothing to change for group %q", lu.Name)
	}
	return nil
}

func (lu *GroupSetParams) DeclareLocks(ctx *mcpu.Context, level locking.Level) ([]string, bool, error) {
	if level == locking.LevelNodeGroup {
		return []string{lu.Name}, false, nil
	}
	return nil, false, nil
}

// projected computes the group state this opcode would leave behind; it
// doubles as the dry-run result.
func (lu *GroupSetParams) projected(group *types.NodeGroup) map[string]interface{} {
	policy := group.AllocPolicy
	if lu.AllocPolicy != nil {
		policy = *lu.AllocPolicy
	}
	ndparams := map[string]string{}
	for k, v := range group.NodeParams {
		ndparams[k] = v
	}
	for k, v := range lu.NodeParams {
		ndparams[k] = v
	}
	return map[string]interface{}{
		"group_name":   lu.Name,
		"alloc_policy": policy,
		"ndparams":     ndparams,
	}
}

func (lu *GroupSetParams) CheckPrereq(ctx *mcpu.Context) error {
	if lu.AllocPolicy != nil && !validAllocPolicy(*lu.AllocPolicy) {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "invalid alloc policy %q", *lu.AllocPolicy)
	}
	snap := ctx.Config.Snapshot()
	group, ok := snap.NodeGroups[lu.Name]
	if !ok {
		return notExistsErr("group", lu.Name)
	}
	ctx.DryRunResult = lu.projected(group)
	return nil
}

func (lu *GroupSetParams) Exec(ctx *mcpu.Context) (interface{}, error) {
	var result map[string]interface{}
	err := ctx.Config.Update(func(data *types.ConfigData) error {
		group, ok := data.NodeGroups[lu.Name]
		if !ok {
			return notExistsErr("group", lu.Name)
		}
		if lu.AllocPolicy != nil {
			group.AllocPolicy = *lu.AllocPolicy
		}
		if lu.NodeParams != nil {
			if group.NodeParams == nil {
				group.NodeParams = map[string]string{}
			}
			for k, v := range lu.NodeParams {
				group.NodeParams[k] = v
			}
		}
		group.SerialNo++
		result = lu.projected(group)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (lu *GroupSetParams) HooksPath() string  { return "group-modify" }
func (lu *GroupSetParams) HType() hooks.HType { return hooks.HTypeGroup }

func (lu *GroupSetParams) HooksNodes(ctx *mcpu.Context) (pre, post []string) {
	return []string{ctx.MasterNode}, []string{ctx.MasterNode}
}

func (lu *GroupSetParams) BuildHooksEnv(ctx *mcpu.Context, phase hooks.Phase) map[string]string {
	env := map[string]string{"GROUP_NAME": lu.Name}
	if lu.AllocPolicy != nil {
		env["GROUP_ALLOC_POLICY"] = *lu.AllocPolicy
	}
	return env
}
