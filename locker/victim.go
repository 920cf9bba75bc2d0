package locker

// VictimPolicy decides which transaction to abort when a deadlock must be
// broken. The lock manager never aborts anything itself; it only answers the
// caller's "who should die" question through the configured policy.
type VictimPolicy interface {
	// Choose picks a victim among the candidate transactions. heldLocks
	// reports how many locks a transaction currently holds.
	Choose(candidates []uint64, heldLocks func(xid uint64) int) uint64
}

// YoungestPolicy aborts the transaction with the highest id. Ids are
// allocated monotonically, so the highest id is the most recently started
// transaction and the cheapest to roll back; older transactions never starve.
type YoungestPolicy struct{}

func (YoungestPolicy) Choose(candidates []uint64, _ func(uint64) int) uint64 {
	var max uint64
	for _, xid := range candidates {
		if xid > max {
			max = xid
		}
	}
	return max
}

// FewestLocksPolicy aborts the transaction holding the fewest locks,
// minimizing the amount of work thrown away. Ties break toward the younger
// transaction.
type FewestLocksPolicy struct{}

func (FewestLocksPolicy) Choose(candidates []uint64, heldLocks func(uint64) int) uint64 {
	var victim uint64
	best := -1
	for _, xid := range candidates {
		n := heldLocks(xid)
		if best == -1 || n < best || (n == best && xid > victim) {
			victim = xid
			best = n
		}
	}
	return victim
}
