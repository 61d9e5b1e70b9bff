package masterd

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti-go/ganeti/pkg/config"
	"github.com/ganeti-go/ganeti/pkg/events"
	"github.com/ganeti-go/ganeti/pkg/types"
)

func newTestDaemon(t *testing.T, opts Options) *Daemon {
	t.Helper()
	dir := t.TempDir()
	opts.DataDir = dir

	store, err := config.New(dir)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(data *types.ConfigData) error {
		data.Cluster = &types.Cluster{ClusterName: "cluster1", MasterNode: "master1"}
		data.NodeGroups["default"] = &types.NodeGroup{Name: "default"}
		data.Nodes["master1"] = &types.Node{Name: "master1", Role: types.NodeRoleMaster, Group: "default"}
		return nil
	}))

	d, err := NewWithStore(store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func rawOp(t *testing.T, body interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func TestSubmitRunsJobThroughProcessor(t *testing.T) {
	d := newTestDaemon(t, Options{Workers: 1})

	job, err := d.SubmitJob([]string{"OP_GROUP_ADD"}, []json.RawMessage{
		rawOp(t, map[string]interface{}{"group_name": "g1"}),
	})
	require.NoError(t, err)

	finished, err := d.WaitForJobCompletion(job.ID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSuccess, finished.Status)
	assert.NotNil(t, finished.StartTS)
	assert.NotNil(t, finished.EndTS)

	_, ok := d.ConfigSnapshot().NodeGroups["g1"]
	assert.True(t, ok)
}

func TestFailedOpcodeCancelsRemainder(t *testing.T) {
	d := newTestDaemon(t, Options{Workers: 1})

	job, err := d.SubmitJob(
		[]string{"OP_GROUP_REMOVE", "OP_GROUP_ADD"},
		[]json.RawMessage{
			rawOp(t, map[string]interface{}{"group_name": "missing"}),
			rawOp(t, map[string]interface{}{"group_name": "g1"}),
		},
	)
	require.NoError(t, err)

	finished, err := d.WaitForJobCompletion(job.ID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusError, finished.Status)
	assert.Equal(t, types.OpStatusError, finished.OpStatus[0])
	assert.Equal(t, types.OpStatusCanceled, finished.OpStatus[1])

	_, ok := d.ConfigSnapshot().NodeGroups["g1"]
	assert.False(t, ok, "opcode after a failure must not run")
}

func TestJobEventsPublished(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	d := newTestDaemon(t, Options{Workers: 1, Events: broker})

	job, err := d.SubmitJob([]string{"OP_GROUP_ADD"}, []json.RawMessage{
		rawOp(t, map[string]interface{}{"group_name": "g1"}),
	})
	require.NoError(t, err)
	_, err = d.WaitForJobCompletion(job.ID, 10*time.Second)
	require.NoError(t, err)

	var kinds []events.EventType
	timeout := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub:
			kinds = append(kinds, ev.Type)
		case <-timeout:
			t.Fatalf("only saw events %v", kinds)
		}
	}
	assert.Contains(t, kinds, events.EventJobQueued)
	assert.Contains(t, kinds, events.EventJobFinished)
}

func TestSequentialOpcodesSeePriorEffects(t *testing.T) {
	d := newTestDaemon(t, Options{Workers: 1})

	// The second opcode assigns to the group the first one creates.
	job, err := d.SubmitJob(
		[]string{"OP_GROUP_ADD", "OP_GROUP_ASSIGN_NODES"},
		[]json.RawMessage{
			rawOp(t, map[string]interface{}{"group_name": "g1"}),
			rawOp(t, map[string]interface{}{"group_name": "g1", "nodes": []string{"master1"}}),
		},
	)
	require.NoError(t, err)

	finished, err := d.WaitForJobCompletion(job.ID, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusSuccess, finished.Status)
	assert.Equal(t, "g1", d.ConfigSnapshot().Nodes["master1"].Group)
}
