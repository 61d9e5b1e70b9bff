// Package locking implements the hierarchical multi-level lock
// manager: a fixed level order (cluster < instance < nodegroup < node
// < node-alloc), shared/exclusive SharedLocks with FIFO pending queues
// per mode, writer-starvation prevention, priorities and timeouts.
package locking

import (
	"sort"
	"sync"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
)

// OwnerID identifies whoever is acquiring locks — normally a job/opcode
// execution context, but tests construct their own.
type OwnerID string

type lockMode int

const (
	modeShared lockMode = iota
	modeExclusive
)

// errRemoved is delivered to pending waiters when their lock name is
// removed from the owning LockSet out from under them.
var errRemoved = gerrors.LockError{Msg: "lock removed while waiting"}

type waiter struct {
	id       OwnerID
	mode     lockMode
	priority int
	seq      uint64
	ch       chan error
}

// SharedLock is a single named lock supporting shared and exclusive
// acquisition with a priority-ordered, FIFO-within-priority pending
// queue. A queued exclusive waiter blocks every shared acquirer behind
// it in the queue, even while it is itself still waiting — this is the
// starvation-prevention rule.
type SharedLock struct {
	mu             sync.Mutex
	exclusiveOwner OwnerID
	sharedOwners   map[OwnerID]struct{}
	waiters        []*waiter
	seq            uint64
	removed        bool
}

// NewSharedLock constructs an unheld lock.
func NewSharedLock() *SharedLock {
	return &SharedLock{sharedOwners: make(map[OwnerID]struct{})}
}

// IsOwner reports whether id currently holds this lock in any mode.
func (l *SharedLock) IsOwner(id OwnerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOwnerLocked(id)
}

func (l *SharedLock) isOwnerLocked(id OwnerID) bool {
	if l.exclusiveOwner == id {
		return true
	}
	_, ok := l.sharedOwners[id]
	return ok
}

// Acquire blocks until id holds the lock in the requested mode, the
// deadline elapses (returns gerrors.LockAcquireTimeout), or the lock is
// removed (returns errRemoved). A zero deadline means block forever.
func (l *SharedLock) Acquire(id OwnerID, shared bool, priority int, deadline time.Time) error {
	l.mu.Lock()
	if l.removed {
		l.mu.Unlock()
		return &errRemoved
	}
	if l.isOwnerLocked(id) {
		l.mu.Unlock()
		return gerrors.NewProgrammerError("owner %s already holds this lock (no reentrancy)", id)
	}

	mode := modeShared
	if !shared {
		mode = modeExclusive
	}
	l.seq++
	w := &waiter{id: id, mode: mode, priority: priority, seq: l.seq, ch: make(chan error, 1)}
	l.waiters = append(l.waiters, w)
	l.admitLocked()
	l.mu.Unlock()

	if deadline.IsZero() {
		return <-w.ch
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case err := <-w.ch:
		return err
	case <-timer.C:
		l.mu.Lock()
		l.removeWaiterLocked(w)
		l.mu.Unlock()
		// The grant race: admitLocked may have already sent on the
		// channel between the timer firing and us taking the lock.
		select {
		case err := <-w.ch:
			return err
		default:
		}
		return &gerrors.LockAcquireTimeout{}
	}
}

// Release drops id's hold on the lock. It is a programmer error to
// release a lock not held.
func (l *SharedLock) Release(id OwnerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.exclusiveOwner == id:
		l.exclusiveOwner = ""
	default:
		if _, ok := l.sharedOwners[id]; !ok {
			return gerrors.NewProgrammerError("owner %s does not hold this lock", id)
		}
		delete(l.sharedOwners, id)
	}
	l.admitLocked()
	return nil
}

// admitLocked grants the longest admissible prefix of the priority/FIFO
// ordered waiter queue. Must be called with l.mu held.
func (l *SharedLock) admitLocked() {
	if l.exclusiveOwner != "" {
		return
	}
	sort.SliceStable(l.waiters, func(i, j int) bool {
		if l.waiters[i].priority != l.waiters[j].priority {
			return l.waiters[i].priority < l.waiters[j].priority
		}
		return l.waiters[i].seq < l.waiters[j].seq
	})

	granted := 0
	for _, w := range l.waiters {
		if w.mode == modeExclusive {
			if len(l.sharedOwners) == 0 && l.exclusiveOwner == "" {
				l.exclusiveOwner = w.id
				w.ch <- nil
				granted++
			}
			break // nothing behind an exclusive waiter may be admitted
		}
		if l.exclusiveOwner != "" {
			break
		}
		l.sharedOwners[w.id] = struct{}{}
		w.ch <- nil
		granted++
	}
	l.waiters = l.waiters[granted:]
}

func (l *SharedLock) removeWaiterLocked(target *waiter) {
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// MarkRemoved wakes every pending waiter with errRemoved and forbids
// further acquisition; used when a LockSet removes this name.
func (l *SharedLock) MarkRemoved() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = true
	for _, w := range l.waiters {
		w.ch <- &errRemoved
	}
	l.waiters = nil
}

// Owners returns a snapshot of current holders for introspection/tests.
func (l *SharedLock) Owners() (exclusive OwnerID, shared []OwnerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	shared = make([]OwnerID, 0, len(l.sharedOwners))
	for id := range l.sharedOwners {
		shared = append(shared, id)
	}
	return l.exclusiveOwner, shared
}
