package locker

import (
	"time"

	"github.com/pkg/errors"
)

type LockMode int

const (
	SharedLock LockMode = iota
	ExclusiveLock
)

func (m LockMode) String() string {
	if m == SharedLock {
		return "shared"
	}
	return "exclusive"
}

// Resource identifies what a lock covers. SlotID 0 locks the whole page.
type Resource struct {
	PageID uint32
	SlotID uint32
}

// Lock is a pure grant record. It carries no blocking primitive; waiting is
// the caller's business, the manager only denies and records wait-for edges.
type Lock struct {
	Xid       uint64
	Mode      LockMode
	Resource  Resource
	GrantedAt time.Time
}

var (
	// ErrLockConflict means an incompatible lock exists. Not fatal: the
	// caller should retry after the holder releases.
	ErrLockConflict = errors.New("locker: conflicting lock held")

	// ErrDeadlock means granting the wait would close a cycle in the
	// wait-for graph. The caller must roll back a victim.
	ErrDeadlock = errors.New("locker: deadlock detected")

	// ErrLockTimeout means the manager's critical section could not be
	// entered within the configured bound.
	ErrLockTimeout = errors.New("locker: timed out entering lock manager")

	// ErrInvalidUpgrade means the lock is not a shared lock held alone on
	// its resource.
	ErrInvalidUpgrade = errors.New("locker: invalid lock upgrade")

	// ErrNotHeld means the lock to release or upgrade is not in the table.
	ErrNotHeld = errors.New("locker: lock not held")
)

// compatible implements the lock compatibility matrix: shared is compatible
// only with shared, exclusive with nothing.
func compatible(held, requested LockMode) bool {
	return held == SharedLock && requested == SharedLock
}
