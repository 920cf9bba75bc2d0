// Package transaction holds the transaction value type: identity, status,
// the set of locks held and the pages/records touched. Lifecycle is owned by
// the transaction manager; the lock manager only ever sees the id.
package transaction

import (
	"sort"
	"sync"

	"kiln/locker"
)

type TxID uint64

type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// RecordID names one record slot on one page.
type RecordID struct {
	PageID uint32
	SlotID uint32
}

type Transaction struct {
	mu sync.Mutex

	id     TxID
	status Status

	locks           map[locker.Resource]*locker.Lock
	modifiedPages   map[uint32]struct{}
	modifiedRecords map[RecordID]struct{}
}

func New(id TxID) *Transaction {
	return &Transaction{
		id:              id,
		status:          StatusActive,
		locks:           map[locker.Resource]*locker.Lock{},
		modifiedPages:   map[uint32]struct{}{},
		modifiedRecords: map[RecordID]struct{}{},
	}
}

func (t *Transaction) ID() TxID { return t.id }

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

func (t *Transaction) AddLock(l *locker.Lock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locks[l.Resource] = l
}

func (t *Transaction) LockOn(res locker.Resource) (*locker.Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[res]
	return l, ok
}

func (t *Transaction) RemoveLock(res locker.Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, res)
}

// Locks returns a snapshot of the held locks.
func (t *Transaction) Locks() []*locker.Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*locker.Lock, 0, len(t.locks))
	for _, l := range t.locks {
		out = append(out, l)
	}
	return out
}

func (t *Transaction) AddModifiedPage(pageID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modifiedPages[pageID] = struct{}{}
}

func (t *Transaction) AddModifiedRecord(rid RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modifiedRecords[rid] = struct{}{}
	t.modifiedPages[rid.PageID] = struct{}{}
}

// ModifiedPages returns a sorted snapshot of the touched page ids.
func (t *Transaction) ModifiedPages() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]uint32, 0, len(t.modifiedPages))
	for pid := range t.modifiedPages {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ModifiedRecords returns a snapshot of the touched record ids.
func (t *Transaction) ModifiedRecords() []RecordID {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RecordID, 0, len(t.modifiedRecords))
	for rid := range t.modifiedRecords {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageID != out[j].PageID {
			return out[i].PageID < out[j].PageID
		}
		return out[i].SlotID < out[j].SlotID
	})
	return out
}

// Clear drops lock and modification tracking, leaving status untouched.
func (t *Transaction) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locks = map[locker.Resource]*locker.Lock{}
	t.modifiedPages = map[uint32]struct{}{}
	t.modifiedRecords = map[RecordID]struct{}{}
}
