package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti-go/ganeti/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	return s
}

// TestPropertySerialMonotonic: every write bumps the serial by exactly
// one and never moves mtime backwards.
func TestPropertySerialMonotonic(t *testing.T) {
	s := newTestStore(t)
	before := s.Snapshot()

	err := s.Update(func(d *types.ConfigData) error {
		d.Nodes["n1"] = &types.Node{Name: "n1"}
		return nil
	})
	require.NoError(t, err)

	after := s.Snapshot()
	assert.Equal(t, before.SerialNo+1, after.SerialNo)
	assert.False(t, after.LastModify.Before(before.LastModify))
}

func TestUpdateFailureLeavesStateUntouched(t *testing.T) {
	s := newTestStore(t)
	before := s.Snapshot()

	err := s.Update(func(d *types.ConfigData) error {
		d.Nodes["n1"] = &types.Node{Name: "n1"}
		return assert.AnError
	})
	require.Error(t, err)

	after := s.Snapshot()
	assert.Equal(t, before.SerialNo, after.SerialNo)
	assert.Empty(t, after.Nodes)
}

func TestPersistedFileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(d *types.ConfigData) error {
		d.Cluster = &types.Cluster{ClusterName: "test-cluster"}
		d.Nodes["n1"] = &types.Node{Name: "n1", Role: types.NodeRoleMaster}
		return nil
	}))

	reopened, err := Open(dir)
	require.NoError(t, err)
	snap := reopened.Snapshot()
	assert.Equal(t, "test-cluster", snap.Cluster.ClusterName)
	assert.Equal(t, int64(1), snap.SerialNo)

	name, err := ReadSsconfKey(dir, "cluster_name")
	require.NoError(t, err)
	assert.Equal(t, "test-cluster", name)
}

func TestSnapshotIsolationUnderConcurrentUpdates(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Update(func(d *types.ConfigData) error {
				d.Nodes[nodeName(i)] = &types.Node{Name: nodeName(i)}
				time.Sleep(time.Millisecond)
				return nil
			})
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Len(t, snap.Nodes, 20)
	assert.Equal(t, int64(20), snap.SerialNo)

	// config.data must still be present and non-empty on disk.
	raw, err := os.ReadFile(filepath.Join(s.dataDir, configFileName))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func nodeName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "n" + string(letters[i%len(letters)]) + string(rune('0'+i/len(letters)))
}
