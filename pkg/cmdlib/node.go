package cmdlib

import (
	"encoding/json"
	"net"

	"github.com/google/uuid"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/hooks"
	"github.com/ganeti-go/ganeti/pkg/locking"
	"github.com/ganeti-go/ganeti/pkg/mcpu"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// NodeAdd joins a new node to the cluster.
type NodeAdd struct {
	mcpu.BaseLU
	OpBase
	Name          string `json:"node_name"`
	PrimaryIP     string `json:"primary_ip"`
	SecondaryIP   string `json:"secondary_ip"`
	Group         string `json:"group"`
	MasterCapable bool   `json:"master_capable"`
	VMCapable     bool   `json:"vm_capable"`
}

func (lu *NodeAdd) Decode(raw json.RawMessage) error {
	lu.MasterCapable = true
	lu.VMCapable = true
	return json.Unmarshal(raw, lu)
}

// NeedsExclusiveBGL: node addition changes cluster membership, which
// must not race with anything else touching the node list.
func (lu *NodeAdd) NeedsExclusiveBGL() bool { return true }

func (lu *NodeAdd) ExpandNames(ctx *mcpu.Context) error {
	if lu.Name == "" {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "node name must not be empty")
	}
	if lu.PrimaryIP == "" || net.ParseIP(lu.PrimaryIP) == nil {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "invalid primary IP %q for node %q", lu.PrimaryIP, lu.Name)
	}
	if lu.SecondaryIP != "" && net.ParseIP(lu.SecondaryIP) == nil {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "invalid secondary IP %q for node %q", lu.SecondaryIP, lu.Name)
	}
	return nil
}

func (lu *NodeAdd) DeclareLocks(ctx *mcpu.Context, level locking.Level) ([]string, bool, error) {
	if level == locking.LevelNode {
		return []string{locking.AllSet}, false, nil
	}
	return nil, false, nil
}

func (lu *NodeAdd) CheckPrereq(ctx *mcpu.Context) error {
	snap := ctx.Config.Snapshot()
	if nodeExists(snap, lu.Name) {
		return alreadyExistsErr("node", lu.Name)
	}
	if lu.Group != "" && !groupExists(snap, lu.Group) {
		return notExistsErr("group", lu.Group)
	}
	for _, other := range snap.Nodes {
		if other.PrimaryIP == lu.PrimaryIP {
			return gerrors.NewOpPrereqError(gerrors.ECodeNotUnique,
				"primary IP %s already used by node %q", lu.PrimaryIP, other.Name)
		}
	}
	ctx.DryRunResult = map[string]interface{}{"node_name": lu.Name}
	return nil
}

func (lu *NodeAdd) Exec(ctx *mcpu.Context) (interface{}, error) {
	node := &types.Node{
		Name:          lu.Name,
		UUID:          uuid.NewString(),
		PrimaryIP:     lu.PrimaryIP,
		SecondaryIP:   lu.SecondaryIP,
		Role:          types.NodeRoleRegular,
		Group:         lu.Group,
		MasterCapable: lu.MasterCapable,
		VMCapable:     lu.VMCapable,
	}
	err := ctx.Config.Update(func(data *types.ConfigData) error {
		if nodeExists(data, lu.Name) {
			return alreadyExistsErr("node", lu.Name)
		}
		data.Nodes[lu.Name] = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Manager.LockSet(locking.LevelNode).Add(ctx.Owner.ID(), []string{lu.Name}, false, false); err != nil {
		return nil, err
	}
	return map[string]interface{}{"node_name": lu.Name, "uuid": node.UUID}, nil
}

func (lu *NodeAdd) HooksPath() string  { return "node-add" }
func (lu *NodeAdd) HType() hooks.HType { return hooks.HTypeNode }

func (lu *NodeAdd) HooksNodes(ctx *mcpu.Context) (pre, post []string) {
	// Pre-hooks run on the existing cluster (the new node is not yet
	// trusted); post-hooks include the freshly-joined node.
	return []string{ctx.MasterNode}, []string{ctx.MasterNode, lu.Name}
}

func (lu *NodeAdd) BuildHooksEnv(ctx *mcpu.Context, phase hooks.Phase) map[string]string {
	return map[string]string{
		"NODE_NAME": lu.Name,
		"NODE_PIP":  lu.PrimaryIP,
		"NODE_SIP":  lu.SecondaryIP,
	}
}

// NodeRemove removes a node that hosts no instances.
type NodeRemove struct {
	mcpu.BaseLU
	OpBase
	Name string `json:"node_name"`
}

func (lu *NodeRemove) Decode(raw json.RawMessage) error { return json.Unmarshal(raw, lu) }

func (lu *NodeRemove) NeedsExclusiveBGL() bool { return true }

func (lu *NodeRemove) ExpandNames(ctx *mcpu.Context) error {
	if lu.Name == "" {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "node name must not be empty")
	}
	return nil
}

func (lu *NodeRemove) DeclareLocks(ctx *mcpu.Context, level locking.Level) ([]string, bool, error) {
	if level == locking.LevelNode {
		return []string{lu.Name}, false, nil
	}
	return nil, false, nil
}

func (lu *NodeRemove) CheckPrereq(ctx *mcpu.Context) error {
	snap := ctx.Config.Snapshot()
	node, ok := snap.Nodes[lu.Name]
	if !ok {
		return notExistsErr("node", lu.Name)
	}
	if snap.Cluster != nil && snap.Cluster.MasterNode == lu.Name {
		return gerrors.NewOpPrereqError(gerrors.ECodeState, "cannot remove the master node %q", lu.Name)
	}
	for _, inst := range snap.Instances {
		if inst.PrimaryNode == node.Name {
			return gerrors.NewOpPrereqError(gerrors.ECodeState,
				"instance %q still has its primary node on %q", inst.Name, lu.Name)
		}
		for _, sec := range inst.SecondaryNodes {
			if sec == node.Name {
				return gerrors.NewOpPrereqError(gerrors.ECodeState,
					"instance %q still has a secondary node on %q", inst.Name, lu.Name)
			}
		}
	}
	ctx.DryRunResult = map[string]interface{}{"node_name": lu.Name}
	return nil
}

func (lu *NodeRemove) Exec(ctx *mcpu.Context) (interface{}, error) {
	err := ctx.Config.Update(func(data *types.ConfigData) error {
		if !nodeExists(data, lu.Name) {
			return notExistsErr("node", lu.Name)
		}
		delete(data.Nodes, lu.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Manager.LockSet(locking.LevelNode).Remove(ctx.Owner.ID(), []string{lu.Name}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (lu *NodeRemove) HooksPath() string  { return "node-remove" }
func (lu *NodeRemove) HType() hooks.HType { return hooks.HTypeNode }

func (lu *NodeRemove) HooksNodes(ctx *mcpu.Context) (pre, post []string) {
	return []string{ctx.MasterNode}, []string{ctx.MasterNode}
}

func (lu *NodeRemove) BuildHooksEnv(ctx *mcpu.Context, phase hooks.Phase) map[string]string {
	return map[string]string{"NODE_NAME": lu.Name}
}

// NodeSetParams flips a node's role flags (master candidate, drained,
// offline).
type NodeSetParams struct {
	mcpu.BaseLU
	OpBase
	Name            string `json:"node_name"`
	MasterCandidate *bool  `json:"master_candidate"`
	Drained         *bool  `json:"drained"`
	Offline         *bool  `json:"offline"`
}

func (lu *NodeSetParams) Decode(raw json.RawMessage) error { return json.Unmarshal(raw, lu) }

func (lu *NodeSetParams) ExpandNames(ctx *mcpu.Context) error {
	if lu.Name == "" {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "node name must not be empty")
	}
	if lu.MasterCandidate == nil && lu.Drained == nil && lu.Offline == nil {
		return gerrors.NewOpPrereqError(gerrors.ECodeInval, "nothing to change for node %q", lu.Name)
	}
	return nil
}

func (lu *NodeSetParams) DeclareLocks(ctx *mcpu.Context, level locking.Level) ([]string, bool, error) {
	if level == locking.LevelNode {
		return []string{lu.Name}, false, nil
	}
	return nil, false, nil
}

func (lu *NodeSetParams) CheckPrereq(ctx *mcpu.Context) error {
	snap := ctx.Config.Snapshot()
	node, ok := snap.Nodes[lu.Name]
	if !ok {
		return notExistsErr("node", lu.Name)
	}
	if snap.Cluster != nil && snap.Cluster.MasterNode == lu.Name {
		if (lu.Offline != nil && *lu.Offline) || (lu.Drained != nil && *lu.Drained) {
			return gerrors.NewOpPrereqError(gerrors.ECodeState,
				"cannot offline or drain the master node %q", lu.Name)
		}
	}
	if lu.MasterCandidate != nil && *lu.MasterCandidate && !node.MasterCapable {
		return gerrors.NewOpPrereqError(gerrors.ECodeState,
			"node %q is not master-capable", lu.Name)
	}
	ctx.DryRunResult = map[string]interface{}{"node_name": lu.Name, "role": string(lu.newRole(node))}
	return nil
}

// newRole resolves the flag triple to the node's resulting role.
// Offline wins over drained wins over candidacy; an offline node is
// never an effective master candidate.
func (lu *NodeSetParams) newRole(node *types.Node) types.NodeRole {
	offline := node.Role == types.NodeRoleOffline
	drained := node.Role == types.NodeRoleDrained
	candidate := node.Role == types.NodeRoleMasterCandidate

	if lu.Offline != nil {
		offline = *lu.Offline
	}
	if lu.Drained != nil {
		drained = *lu.Drained
	}
	if lu.MasterCandidate != nil {
		candidate = *lu.MasterCandidate
	}

	switch {
	case node.Role == types.NodeRoleMaster:
		return types.NodeRoleMaster
	case offline:
		return types.NodeRoleOffline
	case drained:
		return types.NodeRoleDrained
	case candidate:
		return types.NodeRoleMasterCandidate
	default:
		return types.NodeRoleRegular
	}
}

func (lu *NodeSetParams) Exec(ctx *mcpu.Context) (interface{}, error) {
	var role types.NodeRole
	err := ctx.Config.Update(func(data *types.ConfigData) error {
		node, ok := data.Nodes[lu.Name]
		if !ok {
			return notExistsErr("node", lu.Name)
		}
		role = lu.newRole(node)
		node.Role = role
		node.SerialNo++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"node_name": lu.Name, "role": string(role)}, nil
}

func (lu *NodeSetParams) HooksPath() string  { return "node-modify" }
func (lu *NodeSetParams) HType() hooks.HType { return hooks.HTypeNode }

func (lu *NodeSetParams) HooksNodes(ctx *mcpu.Context) (pre, post []string) {
	return []string{ctx.MasterNode}, []string{ctx.MasterNode}
}

func (lu *NodeSetParams) BuildHooksEnv(ctx *mcpu.Context, phase hooks.Phase) map[string]string {
	return map[string]string{"NODE_NAME": lu.Name}
}
