package jobqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti-go/ganeti/pkg/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func rawOps(n int) []json.RawMessage {
	ops := make([]json.RawMessage, n)
	for i := range ops {
		ops[i] = json.RawMessage(`{}`)
	}
	return ops
}

func TestSubmitJobAllocatesMonotonicIDs(t *testing.T) {
	q := newTestQueue(t)

	j1, err := q.SubmitJob([]string{"OP_GROUP_ADD"}, rawOps(1))
	require.NoError(t, err)
	j2, err := q.SubmitJob([]string{"OP_GROUP_ADD"}, rawOps(1))
	require.NoError(t, err)

	assert.Equal(t, int64(1), j1.ID)
	assert.Equal(t, int64(2), j2.ID)
	assert.Equal(t, types.JobStatusQueued, j1.Status)
}

func TestSubmitJobRejectedWhileDraining(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.SetDrainFlag(true))

	_, err := q.SubmitJob([]string{"OP_GROUP_ADD"}, rawOps(1))
	assert.Error(t, err)

	require.NoError(t, q.SetDrainFlag(false))
	_, err = q.SubmitJob([]string{"OP_GROUP_ADD"}, rawOps(1))
	assert.NoError(t, err)
}

func TestUpdateJobDerivesOverallStatus(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.SubmitJob([]string{"A", "B"}, rawOps(2))
	require.NoError(t, err)

	job.OpStatus[0] = types.OpStatusSuccess
	job.OpStatus[1] = types.OpStatusRunning
	require.NoError(t, q.UpdateJob(job))

	reloaded, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, reloaded.Status)

	job.OpStatus[1] = types.OpStatusSuccess
	require.NoError(t, q.UpdateJob(job))
	reloaded, err = q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSuccess, reloaded.Status)
}

func TestUpdateJobErrorStatusWins(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.SubmitJob([]string{"A", "B"}, rawOps(2))
	require.NoError(t, err)

	job.OpStatus[0] = types.OpStatusSuccess
	job.OpStatus[1] = types.OpStatusError
	require.NoError(t, q.UpdateJob(job))

	reloaded, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusError, reloaded.Status)
}

func TestCancelJobCancelsOnlyUnstartedOps(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.SubmitJob([]string{"A", "B"}, rawOps(2))
	require.NoError(t, err)

	job.OpStatus[0] = types.OpStatusRunning
	require.NoError(t, q.UpdateJob(job))

	require.NoError(t, q.CancelJob(job.ID))
	reloaded, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OpStatusRunning, reloaded.OpStatus[0])
	assert.Equal(t, types.OpStatusCanceled, reloaded.OpStatus[1])
}

func TestArchiveJobRequiresTerminalState(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.SubmitJob([]string{"A"}, rawOps(1))
	require.NoError(t, err)

	err = q.ArchiveJob(job.ID)
	assert.Error(t, err)

	job.OpStatus[0] = types.OpStatusSuccess
	require.NoError(t, q.UpdateJob(job))
	require.NoError(t, q.ArchiveJob(job.ID))

	_, err = q.GetJob(job.ID)
	assert.Error(t, err) // no longer in the active directory
}

func TestAutoArchiveJobsRespectsAge(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.SubmitJob([]string{"A"}, rawOps(1))
	require.NoError(t, err)

	job.OpStatus[0] = types.OpStatusSuccess
	old := time.Now().Add(-48 * time.Hour)
	job.EndTS = &old
	require.NoError(t, q.UpdateJob(job))

	n, err := q.AutoArchiveJobs(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWaitForJobChangeReturnsOnUpdate(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.SubmitJob([]string{"A"}, rawOps(1))
	require.NoError(t, err)

	done := make(chan *types.Job, 1)
	go func() {
		j, err := q.WaitForJobChange(job.ID, types.JobStatusQueued, 5*time.Second)
		if err == nil {
			done <- j
		}
	}()

	time.Sleep(50 * time.Millisecond)
	job.OpStatus[0] = types.OpStatusSuccess
	require.NoError(t, q.UpdateJob(job))

	select {
	case j := <-done:
		assert.Equal(t, types.JobStatusSuccess, j.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForJobChange did not return after update")
	}
}

func TestWaitForJobChangeTimesOut(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.SubmitJob([]string{"A"}, rawOps(1))
	require.NoError(t, err)

	start := time.Now()
	j, err := q.WaitForJobChange(job.ID, types.JobStatusQueued, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, time.Since(start) >= 100*time.Millisecond)
	assert.Equal(t, types.JobStatusQueued, j.Status)
}

// TestIndexRebuildsFromFilesOnDisagreement exercises the derived-index
// rebuild rule: the bbolt index is discardable and
// reconstructed from the JSON files whenever its max job ID disagrees
// with them.
func TestIndexRebuildsFromFilesOnDisagreement(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	job, err := q.SubmitJob([]string{"A"}, rawOps(1))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	// Simulate index corruption/loss by deleting it outright.
	err = os.Remove(filepath.Join(dir, "queue", indexFileName))
	require.True(t, err == nil || os.IsNotExist(err))

	q2, err := Open(dir)
	require.NoError(t, err)
	defer q2.Close()

	reloaded, err := q2.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reloaded.ID)

	jobs, err := q2.QueryJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

