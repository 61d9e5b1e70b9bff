package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestElection(t *testing.T, name string) *Election {
	t.Helper()
	e, err := New(Options{NodeName: name, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSingleCandidateBootstrapElectsItself(t *testing.T) {
	e := newTestElection(t, "master1")
	require.NoError(t, e.Bootstrap())
	require.NoError(t, e.WaitForLeadership(5*time.Second))
	assert.True(t, e.IsLeader())

	candidates, err := e.Candidates()
	require.NoError(t, err)
	assert.Equal(t, []string{"master1"}, candidates)
}

func TestAnnounceMasterReplicatesThroughFSM(t *testing.T) {
	e := newTestElection(t, "master1")
	require.NoError(t, e.Bootstrap())
	require.NoError(t, e.WaitForLeadership(5*time.Second))

	require.NoError(t, e.AnnounceMaster("master1"))
	require.NoError(t, e.AnnounceSerial(7))

	master, serial := e.Master()
	assert.Equal(t, "master1", master)
	assert.Equal(t, int64(7), serial)
}

func TestAnnounceSerialNeverRegresses(t *testing.T) {
	e := newTestElection(t, "master1")
	require.NoError(t, e.Bootstrap())
	require.NoError(t, e.WaitForLeadership(5*time.Second))

	require.NoError(t, e.AnnounceSerial(9))
	require.NoError(t, e.AnnounceSerial(4))

	_, serial := e.Master()
	assert.Equal(t, int64(9), serial)
}

func TestWaitForLeadershipTimesOutWithoutBootstrap(t *testing.T) {
	e := newTestElection(t, "lonely")
	err := e.WaitForLeadership(200 * time.Millisecond)
	assert.Error(t, err)
}
