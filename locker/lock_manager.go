package locker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kiln/telemetry"
)

// LockManager owns the lock table, the per-transaction lock sets and the
// wait-for graph. Every structural mutation happens inside one critical
// section, entered with a bounded wait. A conflicting request is denied
// immediately rather than queued; the denial leaves a wait-for edge behind so
// later deadlock checks see the dependency.
type LockManager struct {
	// sem is a one-slot semaphore guarding the critical section. A plain
	// mutex has no timed acquire.
	sem     chan struct{}
	timeout time.Duration

	table   map[Resource][]*Lock
	byTxn   map[uint64]map[Resource]*Lock
	waitFor map[uint64]map[uint64]struct{}

	victim VictimPolicy

	stats  *telemetry.Stats
	logger zerolog.Logger
}

func NewLockManager(timeout time.Duration, victim VictimPolicy, stats *telemetry.Stats) *LockManager {
	if victim == nil {
		victim = YoungestPolicy{}
	}
	if stats == nil {
		stats = telemetry.NewNoopStats()
	}
	lm := &LockManager{
		sem:     make(chan struct{}, 1),
		timeout: timeout,
		table:   map[Resource][]*Lock{},
		byTxn:   map[uint64]map[Resource]*Lock{},
		waitFor: map[uint64]map[uint64]struct{}{},
		victim:  victim,
		stats:   stats,
		logger:  log.With().Str("component", "locker").Logger(),
	}
	lm.sem <- struct{}{}
	return lm
}

// enter acquires the critical section within the configured bound.
func (lm *LockManager) enter() error {
	timer := time.NewTimer(lm.timeout)
	defer timer.Stop()

	select {
	case <-lm.sem:
		return nil
	case <-timer.C:
		lm.stats.LockTimeouts.Inc()
		return ErrLockTimeout
	}
}

func (lm *LockManager) exit() {
	lm.sem <- struct{}{}
}

// Acquire grants a lock on the resource or returns exactly one of
// ErrLockConflict, ErrDeadlock or ErrLockTimeout. A request against a
// resource with no locks always succeeds. A request a transaction already
// satisfies (same or stronger mode held) returns the held lock. A shared
// holder requesting exclusive is upgraded in place when it is the sole
// holder.
func (lm *LockManager) Acquire(xid uint64, mode LockMode, pageID, slotID uint32) (*Lock, error) {
	if err := lm.enter(); err != nil {
		return nil, err
	}
	defer lm.exit()

	res := Resource{PageID: pageID, SlotID: slotID}

	if held := lm.byTxn[xid][res]; held != nil {
		if held.Mode == mode || held.Mode == ExclusiveLock {
			return held, nil
		}
		// shared holder wants exclusive
		if len(lm.table[res]) == 1 {
			held.Mode = ExclusiveLock
			return held, nil
		}
	}

	var conflicts []uint64
	for _, other := range lm.table[res] {
		if other.Xid == xid {
			continue
		}
		if !compatible(other.Mode, mode) {
			conflicts = append(conflicts, other.Xid)
		}
	}

	if len(conflicts) == 0 {
		return lm.grant(xid, mode, res), nil
	}

	// deny, leaving an edge toward every conflicting holder so the
	// dependency is visible to deadlock checks.
	for _, holder := range conflicts {
		lm.addEdge(xid, holder)
	}
	lm.stats.LockConflicts.Inc()

	if lm.hasDeadlock(xid) {
		lm.stats.DeadlocksDetected.Inc()
		lm.logger.Warn().
			Uint64("xid", xid).
			Uint32("page", pageID).
			Uint32("slot", slotID).
			Msg("deadlock detected")
		return nil, ErrDeadlock
	}

	return nil, ErrLockConflict
}

// grant inserts a new lock. Caller holds the critical section.
func (lm *LockManager) grant(xid uint64, mode LockMode, res Resource) *Lock {
	l := &Lock{Xid: xid, Mode: mode, Resource: res, GrantedAt: time.Now()}
	lm.table[res] = append(lm.table[res], l)

	if lm.byTxn[xid] == nil {
		lm.byTxn[xid] = map[Resource]*Lock{}
	}
	lm.byTxn[xid][res] = l

	// the requester is no longer waiting on anyone.
	delete(lm.waitFor, xid)
	return l
}

// Release removes the lock from the table and from its transaction's lock
// set, and prunes wait-for edges naming the transaction.
func (lm *LockManager) Release(l *Lock) error {
	if err := lm.enter(); err != nil {
		return err
	}
	defer lm.exit()

	held := lm.byTxn[l.Xid][l.Resource]
	if held == nil {
		return ErrNotHeld
	}

	lm.removeLock(held)
	lm.pruneEdges(l.Xid)
	return nil
}

// ReleaseAll releases every lock the transaction holds and removes its entry
// from the wait-for graph. Safe to call for a transaction with no locks.
func (lm *LockManager) ReleaseAll(xid uint64) error {
	if err := lm.enter(); err != nil {
		return err
	}
	defer lm.exit()

	for _, l := range lm.byTxn[xid] {
		lm.removeLock(l)
	}
	lm.pruneEdges(xid)
	return nil
}

// Upgrade turns a shared lock into an exclusive one, atomically with respect
// to other lock operations on the resource. Permitted only when the lock is
// shared and the sole lock on its resource.
func (lm *LockManager) Upgrade(l *Lock) (*Lock, error) {
	if err := lm.enter(); err != nil {
		return nil, err
	}
	defer lm.exit()

	held := lm.byTxn[l.Xid][l.Resource]
	if held == nil {
		return nil, ErrNotHeld
	}
	if held.Mode != SharedLock || len(lm.table[l.Resource]) != 1 {
		return nil, ErrInvalidUpgrade
	}

	held.Mode = ExclusiveLock
	return held, nil
}

// removeLock drops the lock from both indexes. Caller holds the critical
// section.
func (lm *LockManager) removeLock(l *Lock) {
	locks := lm.table[l.Resource]
	for i, cur := range locks {
		if cur == l {
			lm.table[l.Resource] = append(locks[:i], locks[i+1:]...)
			break
		}
	}
	if len(lm.table[l.Resource]) == 0 {
		delete(lm.table, l.Resource)
	}

	delete(lm.byTxn[l.Xid], l.Resource)
	if len(lm.byTxn[l.Xid]) == 0 {
		delete(lm.byTxn, l.Xid)
	}
}

// pruneEdges removes every wait-for edge naming xid, in both directions.
// Caller holds the critical section.
func (lm *LockManager) pruneEdges(xid uint64) {
	delete(lm.waitFor, xid)
	for waiter, holders := range lm.waitFor {
		delete(holders, xid)
		if len(holders) == 0 {
			delete(lm.waitFor, waiter)
		}
	}
}

func (lm *LockManager) addEdge(waiter, holder uint64) {
	if waiter == holder {
		return
	}
	if lm.waitFor[waiter] == nil {
		lm.waitFor[waiter] = map[uint64]struct{}{}
	}
	lm.waitFor[waiter][holder] = struct{}{}
}

// HasDeadlock reports whether a cycle in the wait-for graph is reachable
// from xid.
func (lm *LockManager) HasDeadlock(xid uint64) bool {
	<-lm.sem
	defer lm.exit()
	return lm.hasDeadlock(xid)
}

const (
	white = iota // unvisited
	gray         // on the current path
	black        // fully explored, proven cycle-free
)

// hasDeadlock walks the wait-for graph iteratively with an explicit stack,
// keeping the classic white/gray/black distinction so nodes proven cycle-free
// are never re-walked. Caller holds the critical section.
func (lm *LockManager) hasDeadlock(xid uint64) bool {
	color := map[uint64]int{}

	type frame struct {
		node  uint64
		succs []uint64
		next  int
	}

	succsOf := func(n uint64) []uint64 {
		out := make([]uint64, 0, len(lm.waitFor[n]))
		for s := range lm.waitFor[n] {
			out = append(out, s)
		}
		return out
	}

	if len(lm.waitFor[xid]) == 0 {
		return false
	}

	stack := []frame{{node: xid, succs: succsOf(xid)}}
	color[xid] = gray

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.next >= len(top.succs) {
			color[top.node] = black
			stack = stack[:len(stack)-1]
			continue
		}

		succ := top.succs[top.next]
		top.next++

		switch color[succ] {
		case gray:
			return true
		case white:
			color[succ] = gray
			stack = append(stack, frame{node: succ, succs: succsOf(succ)})
		}
	}

	return false
}

// PickVictim applies the configured victim policy to the given transactions.
func (lm *LockManager) PickVictim(candidates []uint64) uint64 {
	<-lm.sem
	defer lm.exit()
	return lm.victim.Choose(candidates, func(xid uint64) int {
		return len(lm.byTxn[xid])
	})
}

// LocksByXid returns copies of every lock the transaction holds.
func (lm *LockManager) LocksByXid(xid uint64) []Lock {
	<-lm.sem
	defer lm.exit()

	out := make([]Lock, 0, len(lm.byTxn[xid]))
	for _, l := range lm.byTxn[xid] {
		out = append(out, *l)
	}
	return out
}

// LocksByPage returns copies of every lock on any slot of the page.
func (lm *LockManager) LocksByPage(pageID uint32) []Lock {
	<-lm.sem
	defer lm.exit()

	var out []Lock
	for res, locks := range lm.table {
		if res.PageID != pageID {
			continue
		}
		for _, l := range locks {
			out = append(out, *l)
		}
	}
	return out
}

// LocksByRecord returns copies of every lock on the exact resource.
func (lm *LockManager) LocksByRecord(pageID, slotID uint32) []Lock {
	<-lm.sem
	defer lm.exit()

	res := Resource{PageID: pageID, SlotID: slotID}
	out := make([]Lock, 0, len(lm.table[res]))
	for _, l := range lm.table[res] {
		out = append(out, *l)
	}
	return out
}

// Waiters returns a copy of the wait-for adjacency list of xid.
func (lm *LockManager) Waiters(xid uint64) []uint64 {
	<-lm.sem
	defer lm.exit()

	out := make([]uint64, 0, len(lm.waitFor[xid]))
	for holder := range lm.waitFor[xid] {
		out = append(out, holder)
	}
	return out
}
