package cmdlib

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti-go/ganeti/pkg/config"
	"github.com/ganeti-go/ganeti/pkg/locking"
	"github.com/ganeti-go/ganeti/pkg/mcpu"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// testCluster is a single-node cluster with the master already in the
// default group, mirroring the state right after bootstrap.
func testCluster(t *testing.T) (*mcpu.Processor, *config.Store) {
	t.Helper()
	store, err := config.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Update(func(data *types.ConfigData) error {
		data.Cluster = &types.Cluster{ClusterName: "cluster1", MasterNode: "master1"}
		data.NodeGroups["default"] = &types.NodeGroup{Name: "default", AllocPolicy: AllocPolicyPreferred}
		data.Nodes["master1"] = &types.Node{Name: "master1", Role: types.NodeRoleMaster, Group: "default", PrimaryIP: "192.0.2.10"}
		return nil
	}))

	lockMgr := locking.NewManager()
	snap := store.Snapshot()
	for name := range snap.NodeGroups {
		lockMgr.AddNames(locking.LevelNodeGroup, name)
	}
	for name := range snap.Nodes {
		lockMgr.AddNames(locking.LevelNode, name)
	}

	registry := mcpu.NewRegistry()
	Register(registry)
	proc := mcpu.NewProcessor(registry, lockMgr, store, nil, "cluster1", "master1")
	return proc, store
}

func runOp(t *testing.T, proc *mcpu.Processor, opName string, body interface{}) types.OpResult {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	job := &types.Job{
		ID:       42,
		OpNames:  []string{opName},
		Ops:      []json.RawMessage{raw},
		OpStatus: []types.OpStatus{types.OpStatusQueued},
		OpResult: []types.OpResult{{}},
	}
	return proc.Run(context.Background(), job, 0, func() bool { return false })
}

func TestGroupAddCreatesGroupAndLock(t *testing.T) {
	proc, store := testCluster(t)
	before := store.SerialNo()

	result := runOp(t, proc, "OP_GROUP_ADD", map[string]interface{}{"group_name": "g1", "alloc_policy": "preferred"})
	require.Equal(t, types.OpStatusSuccess, result.Status, "result: %+v", result)

	assert.Equal(t, before+1, store.SerialNo())
	snap := store.Snapshot()
	group := snap.NodeGroups["g1"]
	require.NotNil(t, group)
	assert.Equal(t, "preferred", group.AllocPolicy)
	assert.NotEmpty(t, group.UUID)

	// The new name must now be lockable.
	owner := proc.Locking.NewOwner("test-owner")
	_, err := owner.Acquire(locking.LevelCluster, []string{locking.BGLName}, locking.AcquireOpts{Shared: true})
	require.NoError(t, err)
	_, err = owner.Acquire(locking.LevelNodeGroup, []string{"g1"}, locking.AcquireOpts{})
	assert.NoError(t, err)
	owner.ReleaseAll()
}

func TestGroupAddDuplicateFailsWithExists(t *testing.T) {
	proc, _ := testCluster(t)
	result := runOp(t, proc, "OP_GROUP_ADD", map[string]interface{}{"group_name": "default"})
	require.Equal(t, types.OpStatusError, result.Status)
	assert.Contains(t, *result.Error, "already exists")
}

func TestGroupRemoveRejectsNonEmptyGroup(t *testing.T) {
	proc, _ := testCluster(t)
	result := runOp(t, proc, "OP_GROUP_REMOVE", map[string]interface{}{"group_name": "default"})
	require.Equal(t, types.OpStatusError, result.Status)
	assert.Contains(t, *result.Error, "still has node")
}

func TestGroupRemoveDeletesEmptyGroup(t *testing.T) {
	proc, store := testCluster(t)
	require.Equal(t, types.OpStatusSuccess, runOp(t, proc, "OP_GROUP_ADD", map[string]interface{}{"group_name": "g1"}).Status)

	result := runOp(t, proc, "OP_GROUP_REMOVE", map[string]interface{}{"group_name": "g1"})
	require.Equal(t, types.OpStatusSuccess, result.Status)
	_, ok := store.Snapshot().NodeGroups["g1"]
	assert.False(t, ok)
}

func TestGroupAssignNodesMovesNodes(t *testing.T) {
	proc, store := testCluster(t)
	require.Equal(t, types.OpStatusSuccess, runOp(t, proc, "OP_GROUP_ADD", map[string]interface{}{"group_name": "g1"}).Status)

	result := runOp(t, proc, "OP_GROUP_ASSIGN_NODES", map[string]interface{}{
		"group_name": "g1", "nodes": []string{"master1"},
	})
	require.Equal(t, types.OpStatusSuccess, result.Status, "result: %+v", result)
	assert.Equal(t, "g1", store.Snapshot().Nodes["master1"].Group)
}

// TestGroupSetParamsDryRun: a dry-run modify succeeds, leaves the
// config serial untouched, and reports the projection.
func TestGroupSetParamsDryRun(t *testing.T) {
	proc, store := testCluster(t)
	before := store.SerialNo()

	result := runOp(t, proc, "OP_GROUP_SET_PARAMS", map[string]interface{}{
		"group_name": "default", "alloc_policy": "last_resort", "dry_run": true,
	})
	require.Equal(t, types.OpStatusSuccess, result.Status)
	assert.Equal(t, before, store.SerialNo(), "dry run must not write the config")
	assert.Equal(t, AllocPolicyPreferred, store.Snapshot().NodeGroups["default"].AllocPolicy)

	projection, ok := result.Result.(map[string]interface{})
	require.True(t, ok, "result: %#v", result.Result)
	assert.Equal(t, "last_resort", projection["alloc_policy"])
}

func TestGroupSetParamsApplies(t *testing.T) {
	proc, store := testCluster(t)
	result := runOp(t, proc, "OP_GROUP_SET_PARAMS", map[string]interface{}{
		"group_name": "default", "alloc_policy": "unallocable",
	})
	require.Equal(t, types.OpStatusSuccess, result.Status)
	assert.Equal(t, AllocPolicyUnallocable, store.Snapshot().NodeGroups["default"].AllocPolicy)
}

func TestNodeAddAndRemove(t *testing.T) {
	proc, store := testCluster(t)

	result := runOp(t, proc, "OP_NODE_ADD", map[string]interface{}{
		"node_name": "node2", "primary_ip": "192.0.2.11", "group": "default",
	})
	require.Equal(t, types.OpStatusSuccess, result.Status, "result: %+v", result)
	node := store.Snapshot().Nodes["node2"]
	require.NotNil(t, node)
	assert.True(t, node.MasterCapable)
	assert.NotEmpty(t, node.UUID)

	result = runOp(t, proc, "OP_NODE_REMOVE", map[string]interface{}{"node_name": "node2"})
	require.Equal(t, types.OpStatusSuccess, result.Status)
	_, ok := store.Snapshot().Nodes["node2"]
	assert.False(t, ok)
}

func TestNodeAddRejectsDuplicateIP(t *testing.T) {
	proc, _ := testCluster(t)
	result := runOp(t, proc, "OP_NODE_ADD", map[string]interface{}{
		"node_name": "node2", "primary_ip": "192.0.2.10",
	})
	require.Equal(t, types.OpStatusError, result.Status)
	assert.Contains(t, *result.Error, "already used")
}

func TestNodeRemoveRefusesMaster(t *testing.T) {
	proc, _ := testCluster(t)
	result := runOp(t, proc, "OP_NODE_REMOVE", map[string]interface{}{"node_name": "master1"})
	require.Equal(t, types.OpStatusError, result.Status)
	assert.Contains(t, *result.Error, "master")
}

func TestNodeSetParamsOfflineWinsOverCandidate(t *testing.T) {
	proc, store := testCluster(t)
	require.Equal(t, types.OpStatusSuccess, runOp(t, proc, "OP_NODE_ADD", map[string]interface{}{
		"node_name": "node2", "primary_ip": "192.0.2.11",
	}).Status)

	result := runOp(t, proc, "OP_NODE_SET_PARAMS", map[string]interface{}{
		"node_name": "node2", "master_candidate": true, "offline": true,
	})
	require.Equal(t, types.OpStatusSuccess, result.Status)
	assert.Equal(t, types.NodeRoleOffline, store.Snapshot().Nodes["node2"].Role)
}

func TestClusterVerifyFlagsMissingGroup(t *testing.T) {
	proc, store := testCluster(t)
	require.NoError(t, store.Update(func(data *types.ConfigData) error {
		data.Nodes["master1"].Group = "ghost"
		return nil
	}))

	result := runOp(t, proc, "OP_CLUSTER_VERIFY", map[string]interface{}{})
	require.Equal(t, types.OpStatusSuccess, result.Status, "result: %+v", result)
	verify, ok := result.Result.(*VerifyResult)
	require.True(t, ok, "result: %#v", result.Result)
	require.Len(t, verify.Problems, 1)
	assert.Contains(t, verify.Problems[0], "ghost")
}

func TestUnknownOpcodeIsProgrammerError(t *testing.T) {
	proc, _ := testCluster(t)
	result := runOp(t, proc, "OP_DOES_NOT_EXIST", map[string]interface{}{})
	require.Equal(t, types.OpStatusError, result.Status)
	assert.Contains(t, *result.Error, "programmer error")
}
