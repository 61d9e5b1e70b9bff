package locking

import (
	"sync"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/metrics"
)

// Level is one of the fixed, totally-ordered lock levels:
// cluster < instance < nodegroup < node < node-alloc.
type Level int

const (
	LevelCluster Level = iota
	LevelInstance
	LevelNodeGroup
	LevelNode
	LevelNodeAlloc
	numLevels
)

func (l Level) String() string {
	switch l {
	case LevelCluster:
		return "cluster"
	case LevelInstance:
		return "instance"
	case LevelNodeGroup:
		return "nodegroup"
	case LevelNode:
		return "node"
	case LevelNodeAlloc:
		return "node-alloc"
	default:
		return "unknown"
	}
}

// BGLName is the single element of the cluster level — the "Big Ganeti
// Lock" that must be held (shared or exclusive) before any lower level
// is touched.
const BGLName = "BGL"

// Manager is the process-wide lock service, an explicit handle rather
// than a singleton: the master daemon constructs one at startup and
// passes it to the processor; unit tests construct their own.
type Manager struct {
	levels [numLevels]*LockSet
}

// NewManager builds a Manager with the cluster level pre-seeded with the
// BGL name (the cluster level never gains or loses names at runtime).
func NewManager() *Manager {
	m := &Manager{}
	for i := range m.levels {
		m.levels[i] = NewLockSet(Level(i).String())
	}
	// Seed the BGL directly; it is not subject to Add/Remove semantics.
	m.levels[LevelCluster].locks[BGLName] = NewSharedLock()
	return m
}

// LockSet exposes the named level's underlying LockSet, for components
// (DeclareLocks discovery, introspection) that need direct access.
func (m *Manager) LockSet(level Level) *LockSet { return m.levels[level] }

// AddNames registers names at level without going through the set-level
// lock discipline. It is only safe while the manager has a single user,
// i.e. during daemon startup when the locksets are seeded from the
// loaded config. Names that already exist are left untouched.
func (m *Manager) AddNames(level Level, names ...string) {
	ls := m.levels[level]
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, n := range names {
		if _, ok := ls.locks[n]; !ok {
			ls.locks[n] = NewSharedLock()
		}
	}
}

// ownerState tracks, per OwnerID, the highest level acquired so far, so
// out-of-order acquisition is rejected as a programmer error rather than
// a runtime deadlock.
type ownerState struct {
	mu       sync.Mutex
	maxLevel Level
	anyHeld  bool
	heldBGL  bool
}

// Owner is a handle through which one job/opcode execution context
// acquires and releases locks, carrying the "currently held" state that
// the ordering checks need.
type Owner struct {
	id    OwnerID
	mgr   *Manager
	state ownerState
}

// NewOwner creates a fresh lock-owning handle.
func (m *Manager) NewOwner(id OwnerID) *Owner {
	return &Owner{id: id, mgr: m, state: ownerState{maxLevel: -1}}
}

// AcquireOpts configures one Acquire call.
type AcquireOpts struct {
	Shared   bool
	Priority int // lower = higher priority
	Timeout  time.Duration
	Deadline time.Time // if set, takes precedence over Timeout
}

// Acquire acquires names (or []string{AllSet}) at level, enforcing the
// strict ascending-level-order invariant and the BGL precondition. It
// uses the retry schedule from timeoutSchedule() before committing to an
// unbounded wait, unless the caller supplied an explicit Timeout or
// Deadline, in which case that bound is used directly.
func (o *Owner) Acquire(level Level, names []string, opts AcquireOpts) ([]string, error) {
	o.state.mu.Lock()
	if o.state.anyHeld && level <= o.state.maxLevel && !sameLevelReacquire(level, o.state.maxLevel) {
		o.state.mu.Unlock()
		return nil, gerrors.NewProgrammerError(
			"locks must be acquired in ascending level order: owner %s already holds up to level %s, cannot acquire %s",
			o.id, o.state.maxLevel, level)
	}
	if level != LevelCluster && !o.state.heldBGL {
		o.state.mu.Unlock()
		return nil, gerrors.NewProgrammerError("BGL must be held before acquiring level %s", level)
	}
	o.state.mu.Unlock()

	deadline := opts.Deadline
	if deadline.IsZero() && opts.Timeout > 0 {
		deadline = deadlineFromNow(opts.Timeout)
	}

	ls := o.mgr.levels[level]
	timer := metrics.NewTimer()
	var (
		acquired []string
		err      error
	)
	if deadline.IsZero() {
		acquired, err = acquireWithSchedule(ls, o.id, names, opts.Shared, opts.Priority)
	} else {
		acquired, err = ls.Acquire(o.id, names, opts.Shared, opts.Priority, deadline)
	}
	timer.ObserveDurationVec(metrics.LockWaitDuration, level.String())
	if err != nil {
		if _, ok := err.(*gerrors.LockAcquireTimeout); ok {
			metrics.LockTimeoutsTotal.WithLabelValues(level.String()).Inc()
		}
		return nil, err
	}

	o.state.mu.Lock()
	o.state.anyHeld = true
	o.state.maxLevel = level
	if level == LevelCluster {
		o.state.heldBGL = true
	}
	o.state.mu.Unlock()
	return acquired, nil
}

// sameLevelReacquire allows a second DeclareLocks call at the same level
// the owner is currently at (refining the set), which is not a level
// violation even though level <= maxLevel.
func sameLevelReacquire(level, maxLevel Level) bool { return level == maxLevel }

// acquireWithSchedule performs the bounded-retry-then-block strategy:
// try each timeout in the schedule (returning early on success), then
// fall back to an unbounded wait.
func acquireWithSchedule(ls *LockSet, id OwnerID, names []string, shared bool, priority int) ([]string, error) {
	for _, d := range timeoutSchedule() {
		acquired, err := ls.Acquire(id, names, shared, priority, deadlineFromNow(d))
		if err == nil {
			return acquired, nil
		}
		if _, isTimeout := err.(*gerrors.LockAcquireTimeout); !isTimeout {
			return nil, err
		}
	}
	return ls.Acquire(id, names, shared, priority, time.Time{})
}

// Release releases names at level. Releasing the cluster level while any
// lower level is still held is rejected
func (o *Owner) Release(level Level, names []string) error {
	o.state.mu.Lock()
	if level == LevelCluster && o.state.anyHeld && o.state.maxLevel > LevelCluster {
		o.state.mu.Unlock()
		return gerrors.NewProgrammerError("cannot drop BGL while holding level %s", o.state.maxLevel)
	}
	o.state.mu.Unlock()

	ls := o.mgr.levels[level]
	if err := ls.Release(o.id, names); err != nil {
		return err
	}

	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	if level == LevelCluster {
		o.state.heldBGL = false
	}
	o.recomputeMaxLevelLocked()
	return nil
}

// ReleaseAll releases everything the owner holds, highest level first,
// used on job/opcode teardown.
func (o *Owner) ReleaseAll() {
	for level := numLevels - 1; level >= 0; level-- {
		owned := o.mgr.levels[level].Owned(o.id)
		if len(owned) == 0 {
			continue
		}
		_ = o.mgr.levels[level].Release(o.id, owned)
	}
	o.state.mu.Lock()
	o.state.anyHeld = false
	o.state.maxLevel = -1
	o.state.heldBGL = false
	o.state.mu.Unlock()
}

func (o *Owner) recomputeMaxLevelLocked() {
	for level := numLevels - 1; level >= 0; level-- {
		if len(o.mgr.levels[level].Owned(o.id)) > 0 {
			o.state.anyHeld = true
			o.state.maxLevel = Level(level)
			return
		}
	}
	o.state.anyHeld = false
	o.state.maxLevel = -1
}

// Owned returns the names id owns at level.
func (o *Owner) Owned(level Level) []string { return o.mgr.levels[level].Owned(o.id) }

// IsOwned reports whether id owns name at level.
func (o *Owner) IsOwned(level Level, name string) bool {
	return o.mgr.levels[level].IsOwned(o.id, name)
}

// ID returns the owner's identity, mostly for logging.
func (o *Owner) ID() OwnerID { return o.id }
