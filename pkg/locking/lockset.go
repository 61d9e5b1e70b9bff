package locking

import (
	"sync"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
)

// AllSet is the sentinel passed to LockSet.Acquire to request the
// set-level lock (covering add/remove of names) instead of a concrete
// list of element names.
const AllSet = "\x00ALL_SET\x00"

// LockSet is a named collection of SharedLocks plus one distinguished
// set-level SharedLock that gates Add/Remove of element names.
type LockSet struct {
	mu      sync.RWMutex
	name    string
	locks   map[string]*SharedLock
	setLock *SharedLock
}

// NewLockSet creates an empty named LockSet.
func NewLockSet(name string) *LockSet {
	return &LockSet{
		name:    name,
		locks:   make(map[string]*SharedLock),
		setLock: NewSharedLock(),
	}
}

// Acquire acquires names (or AllSet for the set-level lock) in shared or
// exclusive mode, honoring priority and deadline. On partial failure
// (one name times out after others were granted) already-granted locks
// are released before returning, so callers never have to roll back
// manually.
func (s *LockSet) Acquire(id OwnerID, names []string, shared bool, priority int, deadline time.Time) ([]string, error) {
	if len(names) == 1 && names[0] == AllSet {
		if err := s.setLock.Acquire(id, shared, priority, deadline); err != nil {
			return nil, err
		}
		return s.SnapshotNames(), nil
	}

	granted := make([]string, 0, len(names))
	for _, n := range names {
		lock, err := s.lockFor(n)
		if err != nil {
			s.releaseAll(id, granted)
			return nil, err
		}
		if err := lock.Acquire(id, shared, priority, deadline); err != nil {
			s.releaseAll(id, granted)
			return nil, err
		}
		granted = append(granted, n)
	}
	return granted, nil
}

func (s *LockSet) lockFor(name string) (*SharedLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[name]
	if !ok {
		return nil, gerrors.NewProgrammerError("no such lock %q in set %q", name, s.name)
	}
	return l, nil
}

func (s *LockSet) releaseAll(id OwnerID, names []string) {
	for _, n := range names {
		if l, err := s.lockFor(n); err == nil {
			_ = l.Release(id)
		}
	}
}

// Release releases id's hold on names (or the set-level lock, if names
// is exactly [AllSet]).
func (s *LockSet) Release(id OwnerID, names []string) error {
	for _, n := range names {
		if n == AllSet {
			if err := s.setLock.Release(id); err != nil {
				return err
			}
			continue
		}
		l, err := s.lockFor(n)
		if err != nil {
			return err
		}
		if err := l.Release(id); err != nil {
			return err
		}
	}
	return nil
}

// Add creates new locks under this set. Only permitted while the caller
// holds the set-level lock exclusively.
func (s *LockSet) Add(id OwnerID, names []string, acquired bool, shared bool) error {
	ex, _ := s.setLock.Owners()
	if ex != id {
		return gerrors.NewProgrammerError("Add on lockset %q requires the set-level lock held exclusively", s.name)
	}

	s.mu.Lock()
	for _, n := range names {
		if _, exists := s.locks[n]; exists {
			s.mu.Unlock()
			return gerrors.NewProgrammerError("lock %q already exists in set %q", n, s.name)
		}
		s.locks[n] = NewSharedLock()
	}
	s.mu.Unlock()

	if acquired {
		for _, n := range names {
			l, _ := s.lockFor(n)
			if err := l.Acquire(id, shared, 0, time.Time{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove deletes names from the set. The caller must hold each name
// exclusively; pending waiters for a removed name are woken with a
// "removed" error
func (s *LockSet) Remove(id OwnerID, names []string) error {
	for _, n := range names {
		l, err := s.lockFor(n)
		if err != nil {
			return err
		}
		ex, _ := l.Owners()
		if ex != id {
			return gerrors.NewProgrammerError("Remove of lock %q requires exclusive ownership", n)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		l := s.locks[n]
		delete(s.locks, n)
		l.MarkRemoved()
	}
	return nil
}

// SnapshotNames returns every currently-defined name in the set.
func (s *LockSet) SnapshotNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.locks))
	for n := range s.locks {
		out = append(out, n)
	}
	return out
}

// Owned returns the subset of names that id currently holds (in any
// mode), for introspection.
func (s *LockSet) Owned(id OwnerID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for n, l := range s.locks {
		if l.IsOwner(id) {
			out = append(out, n)
		}
	}
	if ex, shared := s.setLock.Owners(); ex == id || contains(shared, id) {
		out = append(out, AllSet)
	}
	return out
}

func contains(ids []OwnerID, id OwnerID) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

// IsOwned reports whether id holds the named lock in this set.
func (s *LockSet) IsOwned(id OwnerID, name string) bool {
	if name == AllSet {
		ex, shared := s.setLock.Owners()
		if ex == id {
			return true
		}
		for _, sid := range shared {
			if sid == id {
				return true
			}
		}
		return false
	}
	l, err := s.lockFor(name)
	if err != nil {
		return false
	}
	return l.IsOwner(id)
}
