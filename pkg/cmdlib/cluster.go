package cmdlib

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ganeti-go/ganeti/pkg/hooks"
	"github.com/ganeti-go/ganeti/pkg/locking"
	"github.com/ganeti-go/ganeti/pkg/mcpu"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// ClusterVerify checks cluster-wide sanity: every node belongs to an
// existing group, every instance's nodes exist, and (when an RPC runner
// is wired in) every non-offline node answers a version probe.
type ClusterVerify struct {
	mcpu.BaseLU
	OpBase
}

// VerifyResult is the job-visible report ClusterVerify produces.
type VerifyResult struct {
	Problems   []string `json:"problems"`
	NodesTotal int      `json:"nodes_total"`
	NodesBad   int      `json:"nodes_bad"`
}

func (lu *ClusterVerify) Decode(raw json.RawMessage) error { return json.Unmarshal(raw, lu) }

func (lu *ClusterVerify) ExpandNames(ctx *mcpu.Context) error { return nil }

// DeclareLocks takes every node and group shared: verification must see
// a stable view but never blocks concurrent readers.
func (lu *ClusterVerify) DeclareLocks(ctx *mcpu.Context, level locking.Level) ([]string, bool, error) {
	switch level {
	case locking.LevelNodeGroup, locking.LevelNode:
		return []string{locking.AllSet}, true, nil
	}
	return nil, false, nil
}

func (lu *ClusterVerify) CheckPrereq(ctx *mcpu.Context) error {
	ctx.DryRunResult = &VerifyResult{}
	return nil
}

func (lu *ClusterVerify) Exec(ctx *mcpu.Context) (interface{}, error) {
	snap := ctx.Config.Snapshot()
	result := &VerifyResult{NodesTotal: len(snap.Nodes)}

	var nodeNames []string
	for name := range snap.Nodes {
		nodeNames = append(nodeNames, name)
	}
	sort.Strings(nodeNames)

	for _, name := range nodeNames {
		node := snap.Nodes[name]
		if node.Group != "" {
			if _, ok := snap.NodeGroups[node.Group]; !ok {
				result.addProblem("node %q references missing group %q", name, node.Group)
			}
		}
	}
	for _, inst := range snap.Instances {
		if _, ok := snap.Nodes[inst.PrimaryNode]; !ok {
			result.addProblem("instance %q has missing primary node %q", inst.Name, inst.PrimaryNode)
		}
		for _, sec := range inst.SecondaryNodes {
			if _, ok := snap.Nodes[sec]; !ok {
				result.addProblem("instance %q has missing secondary node %q", inst.Name, sec)
			}
		}
	}

	if ctx.RPC != nil {
		var probe []string
		for _, name := range nodeNames {
			if snap.Nodes[name].Role != types.NodeRoleOffline {
				probe = append(probe, name)
			}
		}
		for node, res := range ctx.RPC.Call(ctx.Ctx, probe, "version", nil) {
			if res.FailMsg != "" || res.Offline {
				result.NodesBad++
				result.addProblem("node %q unreachable: %s", node, res.FailMsg)
			}
		}
	}

	sort.Strings(result.Problems)
	return result, nil
}

func (r *VerifyResult) addProblem(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

func (lu *ClusterVerify) HooksPath() string  { return "cluster-verify" }
func (lu *ClusterVerify) HType() hooks.HType { return hooks.HTypeCluster }

func (lu *ClusterVerify) HooksNodes(ctx *mcpu.Context) (pre, post []string) {
	return nil, []string{ctx.MasterNode}
}

func (lu *ClusterVerify) BuildHooksEnv(ctx *mcpu.Context, phase hooks.Phase) map[string]string {
	return nil
}
