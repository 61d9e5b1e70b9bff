// Package jobqueue implements the durable job queue: one append-only
// JSON file per job is the source of truth, with a derived bbolt index kept alongside for fast listing and
// rebuilt from the files whenever its recorded max job ID disagrees with
// them.
package jobqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/types"
)

const (
	// HardLimit is the maximum number of non-terminal jobs the queue will
	// hold before rejecting submissions with JobQueueFull.
	HardLimit = 5000
	// SoftLimitFrac is the pending fraction of HardLimit at which the
	// queue starts logging warnings.
	SoftLimitFrac = 0.8

	serialFileName  = "serial"
	versionFileName = "version"
	drainFileName   = "drain"
	archiveDirName  = "archive"
	indexFileName   = "index.bolt"

	// queueFormatVersion is written to queue/version once at creation.
	queueFormatVersion = "1"
)

// Queue owns the on-disk job directory and the in-memory structures
// derived from it.
type Queue struct {
	mu      sync.Mutex
	dataDir string
	index   *index

	changeMu sync.Mutex
	waiters  map[int64][]chan struct{}
}

// Open opens (creating if necessary) a Queue rooted at dataDir/queue.
func Open(dataDir string) (*Queue, error) {
	dir := filepath.Join(dataDir, "queue")
	if err := os.MkdirAll(filepath.Join(dir, archiveDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	idx, err := openIndex(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, err
	}

	q := &Queue{dataDir: dir, index: idx, waiters: make(map[int64][]chan struct{})}
	if err := q.writeVersionFile(); err != nil {
		idx.Close()
		return nil, err
	}
	if err := q.reconcileIndex(); err != nil {
		idx.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) writeVersionFile() error {
	path := filepath.Join(q.dataDir, versionFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(queueFormatVersion+"\n"), 0o644)
}

// writeSerialFile records the highest allocated job ID. It is written
// before the job file itself, so recovery can take
// max(serial file, job files) and never reuse an ID.
func (q *Queue) writeSerialFile(id int64) error {
	path := filepath.Join(q.dataDir, serialFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(id, 10)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (q *Queue) readSerialFile() int64 {
	raw, err := os.ReadFile(filepath.Join(q.dataDir, serialFileName))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Close releases the queue's index handle.
func (q *Queue) Close() error {
	return q.index.Close()
}

// reconcileIndex rebuilds the bbolt index from the JSON job files
// whenever the index's recorded max ID disagrees with what's on disk:
// the files (and the serial file, whichever is higher) are always
// authoritative.
func (q *Queue) reconcileIndex() error {
	filesMax, ids, err := q.scanJobFiles()
	if err != nil {
		return err
	}
	if serial := q.readSerialFile(); serial > filesMax {
		filesMax = serial
	}
	indexMax, err := q.index.maxID()
	if err != nil {
		return err
	}
	if indexMax == filesMax {
		return nil
	}

	log.Logger.Warn().Int64("index_max", indexMax).Int64("files_max", filesMax).
		Msg("job queue index disagrees with job files, rebuilding")
	for _, id := range ids {
		job, err := q.readJobFile(id)
		if err != nil {
			log.Logger.Warn().Int64("job_id", id).Err(err).Msg("skipping unreadable job file during index rebuild")
			continue
		}
		if err := q.index.put(job); err != nil {
			return err
		}
	}
	return q.index.setMaxID(filesMax)
}

func (q *Queue) scanJobFiles() (maxID int64, ids []int64, err error) {
	entries, err := os.ReadDir(q.dataDir)
	if err != nil {
		return 0, nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := parseJobFileName(e.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
		if id > maxID {
			maxID = id
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return maxID, ids, nil
}

func jobFileName(id int64) string { return fmt.Sprintf("job-%016d.json", id) }

func parseJobFileName(name string) (int64, bool) {
	if !strings.HasPrefix(name, "job-") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "job-"), ".json")
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (q *Queue) jobPath(id int64) string {
	return filepath.Join(q.dataDir, jobFileName(id))
}

func (q *Queue) readJobFile(id int64) (*types.Job, error) {
	raw, err := os.ReadFile(q.jobPath(id))
	if err != nil {
		return nil, err
	}
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, &gerrors.JobQueueError{Msg: fmt.Sprintf("corrupt job file %d: %v", id, err)}
	}
	return &job, nil
}

// writeJobFile persists job atomically: write to a temp file, fsync,
// rename over the final path.
func (q *Queue) writeJobFile(job *types.Job) error {
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	final := q.jobPath(job.ID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

// IsDraining reports whether the drain sentinel file is present.
func (q *Queue) IsDraining() bool {
	_, err := os.Stat(filepath.Join(q.dataDir, drainFileName))
	return err == nil
}

// SetDrainFlag creates or removes the drain sentinel.
func (q *Queue) SetDrainFlag(drain bool) error {
	path := filepath.Join(q.dataDir, drainFileName)
	if drain {
		return os.WriteFile(path, nil, 0o644)
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SubmitJob allocates the next job ID, writes its initial (queued)
// state, and updates the index.
func (q *Queue) SubmitJob(opNames []string, ops []json.RawMessage) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.IsDraining() {
		return nil, &gerrors.JobQueueDrainError{}
	}

	pending, err := q.index.countNonTerminal()
	if err != nil {
		return nil, err
	}
	if pending >= HardLimit {
		return nil, &gerrors.JobQueueFull{Limit: HardLimit}
	}
	if float64(pending) >= float64(HardLimit)*SoftLimitFrac {
		log.Logger.Warn().Int("pending", pending).Int("hard_limit", HardLimit).
			Msg("job queue approaching soft pending limit")
	}

	id, err := q.index.nextID()
	if err != nil {
		return nil, err
	}
	if err := q.writeSerialFile(id); err != nil {
		return nil, fmt.Errorf("persist job serial: %w", err)
	}

	now := time.Now()
	opStatus := make([]types.OpStatus, len(ops))
	opResult := make([]types.OpResult, len(ops))
	for i := range ops {
		opStatus[i] = types.OpStatusQueued
	}
	job := &types.Job{
		ID:         id,
		Ops:        ops,
		OpNames:    opNames,
		OpStatus:   opStatus,
		OpResult:   opResult,
		Status:     types.JobStatusQueued,
		ReceivedTS: now,
	}

	if err := q.writeJobFile(job); err != nil {
		return nil, fmt.Errorf("persist job %d: %w", id, err)
	}
	if err := q.index.put(job); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob loads a job by ID straight from its JSON file.
func (q *Queue) GetJob(id int64) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readJobFile(id)
}

// UpdateJob rewrites job's file and index entry, and wakes any
// WaitForJobChange callers blocked on it.
func (q *Queue) UpdateJob(job *types.Job) error {
	q.mu.Lock()
	job.Status = deriveStatus(job.OpStatus)
	if err := q.writeJobFile(job); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("persist job %d: %w", job.ID, err)
	}
	if err := q.index.put(job); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify(job.ID)
	return nil
}

// deriveStatus computes a job's overall status from its per-opcode
// statuses: error if any opcode errored, canceled if any was canceled
// (and none errored), running/waiting if any is still in flight,
// queued if the rest have not started yet, success only once every
// opcode succeeded.
func deriveStatus(opStatus []types.OpStatus) types.JobStatus {
	sawRunning, sawWaiting, sawCanceled, sawQueued := false, false, false, false
	for _, s := range opStatus {
		switch s {
		case types.OpStatusError:
			return types.JobStatusError
		case types.OpStatusCanceled:
			sawCanceled = true
		case types.OpStatusRunning:
			sawRunning = true
		case types.OpStatusWaiting:
			sawWaiting = true
		case types.OpStatusQueued:
			sawQueued = true
		}
	}
	switch {
	case sawCanceled:
		return types.JobStatusCanceled
	case sawRunning:
		return types.JobStatusRunning
	case sawWaiting:
		return types.JobStatusWaiting
	case sawQueued:
		return types.JobStatusQueued
	default:
		return types.JobStatusSuccess
	}
}

// CancelJob marks every not-yet-started opcode in job id as canceled.
// Opcodes already running or finished are left untouched; cancellation
// is best effort.
func (q *Queue) CancelJob(id int64) error {
	q.mu.Lock()
	job, err := q.readJobFile(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	changed := false
	for i, s := range job.OpStatus {
		if s == types.OpStatusQueued || s == types.OpStatusWaiting {
			job.OpStatus[i] = types.OpStatusCanceled
			changed = true
		}
	}
	if !changed {
		q.mu.Unlock()
		return &gerrors.JobQueueError{Msg: fmt.Sprintf("job %d has no cancelable opcodes", id)}
	}
	job.Status = deriveStatus(job.OpStatus)
	now := time.Now()
	job.EndTS = &now
	if err := q.writeJobFile(job); err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.index.put(job); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify(id)
	return nil
}

// ArchiveJob moves a finished job's file into the archive subdirectory
// and removes it from the active index.
func (q *Queue) ArchiveJob(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.readJobFile(id)
	if err != nil {
		return err
	}
	if !isTerminal(job.Status) {
		return &gerrors.JobQueueError{Msg: fmt.Sprintf("job %d is not finished, cannot archive", id)}
	}

	dst := filepath.Join(q.dataDir, archiveDirName, jobFileName(id))
	if err := os.Rename(q.jobPath(id), dst); err != nil {
		return err
	}
	return q.index.delete(id)
}

// AutoArchiveJobs archives every finished job whose EndTS is older than
// maxAge, returning how many were archived.
func (q *Queue) AutoArchiveJobs(maxAge time.Duration) (int, error) {
	q.mu.Lock()
	ids, err := q.index.allIDs()
	q.mu.Unlock()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	archived := 0
	for _, id := range ids {
		job, err := q.GetJob(id)
		if err != nil {
			continue
		}
		if isTerminal(job.Status) && job.EndTS != nil && job.EndTS.Before(cutoff) {
			if err := q.ArchiveJob(id); err != nil {
				log.Logger.Warn().Int64("job_id", id).Err(err).Msg("auto-archive failed")
				continue
			}
			archived++
		}
	}
	return archived, nil
}

func isTerminal(s types.JobStatus) bool {
	switch s {
	case types.JobStatusSuccess, types.JobStatusError, types.JobStatusCanceled:
		return true
	default:
		return false
	}
}

// QueryJobs lists jobs currently in the active index, newest first.
func (q *Queue) QueryJobs() ([]*types.Job, error) {
	q.mu.Lock()
	ids, err := q.index.allIDs()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// WaitForJobChange blocks until job id's state changes or timeout
// elapses, whichever is first. It returns
// the job's current state immediately if it has already changed past
// fromStatus.
func (q *Queue) WaitForJobChange(id int64, fromStatus types.JobStatus, timeout time.Duration) (*types.Job, error) {
	job, err := q.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status != fromStatus || isTerminal(job.Status) {
		return job, nil
	}

	ch := make(chan struct{}, 1)
	q.changeMu.Lock()
	q.waiters[id] = append(q.waiters[id], ch)
	q.changeMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
	return q.GetJob(id)
}

func (q *Queue) notify(id int64) {
	q.changeMu.Lock()
	waiters := q.waiters[id]
	delete(q.waiters, id)
	q.changeMu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
