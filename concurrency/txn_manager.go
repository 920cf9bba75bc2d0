// Package concurrency ties the lock manager and the log manager together
// into begin/commit/rollback semantics.
package concurrency

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kiln/disk/wal"
	"kiln/locker"
	"kiln/telemetry"
	"kiln/transaction"
)

var ErrInvalidTransaction = errors.New("concurrency: unknown or finished transaction")

// UndoApplier reverses one undo record during rollback. The payload semantics
// belong to the layer that wrote the record, so the applier is injected.
type UndoApplier func(r *wal.LogRecord) error

// TxnManager tracks live transactions and orchestrates locks and logging
// around their state changes.
type TxnManager struct {
	actives  *xsync.MapOf[transaction.TxID, *transaction.Transaction]
	statuses *xsync.MapOf[transaction.TxID, transaction.Status]

	locks *locker.LockManager
	wal   *wal.LogManager

	counter atomic.Uint64

	undoApplier UndoApplier

	stats  *telemetry.Stats
	logger zerolog.Logger
}

func NewTxnManager(locks *locker.LockManager, lm *wal.LogManager, stats *telemetry.Stats) *TxnManager {
	if stats == nil {
		stats = telemetry.NewNoopStats()
	}
	return &TxnManager{
		actives:  xsync.NewMapOf[transaction.TxID, *transaction.Transaction](),
		statuses: xsync.NewMapOf[transaction.TxID, transaction.Status](),
		locks:    locks,
		wal:      lm,
		stats:    stats,
		logger:   log.With().Str("component", "txn").Logger(),
	}
}

// SetUndoApplier installs the rollback hook. Must be called before any
// rollback that should reapply undo records; without it rollback only writes
// the marker.
func (t *TxnManager) SetUndoApplier(f UndoApplier) {
	t.undoApplier = f
}

// Begin allocates the next transaction id, registers it active and writes
// the begin marker.
func (t *TxnManager) Begin() (*transaction.Transaction, error) {
	id := transaction.TxID(t.counter.Add(1))

	if _, err := t.wal.Append(wal.NewBeginLogRecord(uint64(id))); err != nil {
		return nil, err
	}

	txn := transaction.New(id)
	t.actives.Store(id, txn)
	t.statuses.Store(id, transaction.StatusActive)
	t.stats.ActiveTxns.Inc()
	return txn, nil
}

// active returns the transaction iff it is registered and still active.
func (t *TxnManager) active(xid transaction.TxID) (*transaction.Transaction, error) {
	txn, ok := t.actives.Load(xid)
	if !ok || txn.Status() != transaction.StatusActive {
		return nil, errors.Wrapf(ErrInvalidTransaction, "xid %d", xid)
	}
	return txn, nil
}

// AcquireLock takes a lock on the transaction's behalf and records the page
// (and record, for slot locks) as touched. Denials pass through unchanged so
// callers can branch on locker.ErrLockConflict, locker.ErrDeadlock and
// locker.ErrLockTimeout.
func (t *TxnManager) AcquireLock(xid transaction.TxID, mode locker.LockMode, pageID, slotID uint32) (*locker.Lock, error) {
	txn, err := t.active(xid)
	if err != nil {
		return nil, err
	}

	l, err := t.locks.Acquire(uint64(xid), mode, pageID, slotID)
	if err != nil {
		return nil, err
	}

	txn.AddLock(l)
	if mode == locker.ExclusiveLock {
		if slotID == 0 {
			txn.AddModifiedPage(pageID)
		} else {
			txn.AddModifiedRecord(transaction.RecordID{PageID: pageID, SlotID: slotID})
		}
	}
	return l, nil
}

// ReleaseLock releases the transaction's lock on the resource, if held.
func (t *TxnManager) ReleaseLock(xid transaction.TxID, pageID, slotID uint32) error {
	txn, err := t.active(xid)
	if err != nil {
		return err
	}

	res := locker.Resource{PageID: pageID, SlotID: slotID}
	l, ok := txn.LockOn(res)
	if !ok {
		return errors.Wrap(locker.ErrNotHeld, "release")
	}

	if err := t.locks.Release(l); err != nil {
		return err
	}
	txn.RemoveLock(res)
	return nil
}

// HoldsLock reports whether the transaction holds a lock on the resource.
func (t *TxnManager) HoldsLock(xid transaction.TxID, pageID, slotID uint32) bool {
	txn, ok := t.actives.Load(xid)
	if !ok {
		return false
	}
	_, held := txn.LockOn(locker.Resource{PageID: pageID, SlotID: slotID})
	return held
}

// Commit releases all locks, writes the commit marker and marks the
// transaction committed. Any failure along the way rolls the transaction
// back instead, so commit never partially succeeds.
func (t *TxnManager) Commit(xid transaction.TxID) error {
	txn, err := t.active(xid)
	if err != nil {
		return err
	}

	if err := t.commit(txn); err != nil {
		rbErr := t.Rollback(xid)
		if rbErr != nil {
			t.logger.Error().Err(rbErr).Uint64("xid", uint64(xid)).
				Msg("rollback after failed commit also failed")
		}
		return errors.Wrap(err, "commit failed, transaction rolled back")
	}
	return nil
}

func (t *TxnManager) commit(txn *transaction.Transaction) error {
	xid := txn.ID()

	if err := t.locks.ReleaseAll(uint64(xid)); err != nil {
		return err
	}
	txn.Clear()

	if _, err := t.wal.Append(wal.NewCommitLogRecord(uint64(xid))); err != nil {
		return err
	}

	txn.SetStatus(transaction.StatusCommitted)
	t.statuses.Store(xid, transaction.StatusCommitted)
	t.actives.Delete(xid)
	t.stats.ActiveTxns.Dec()
	t.stats.Commits.Inc()
	return nil
}

// Rollback reapplies the transaction's undo records newest-first, writes the
// rollback marker, releases all locks and marks the transaction aborted.
func (t *TxnManager) Rollback(xid transaction.TxID) error {
	txn, ok := t.actives.Load(xid)
	if !ok {
		return errors.Wrapf(ErrInvalidTransaction, "xid %d", xid)
	}

	if t.undoApplier != nil {
		logs := t.wal.TransactionLogs(uint64(xid))
		for i := len(logs) - 1; i >= 0; i-- {
			r := logs[i]
			if r.T != wal.TypeUndo || r.IsTerminal() {
				continue
			}
			if err := t.undoApplier(r); err != nil {
				return errors.Wrapf(err, "undo of lsn %d failed", r.Lsn)
			}
		}
	}

	if err := t.locks.ReleaseAll(uint64(xid)); err != nil {
		return err
	}
	txn.Clear()

	// the transaction is aborted from here on even if the marker write
	// fails; an aborted-in-memory, unmarked-on-disk transaction is rolled
	// back again by the startup pass, never resurrected.
	_, walErr := t.wal.Append(wal.NewRollbackLogRecord(uint64(xid)))

	txn.SetStatus(transaction.StatusAborted)
	t.statuses.Store(xid, transaction.StatusAborted)
	t.actives.Delete(xid)
	t.stats.ActiveTxns.Dec()
	t.stats.Rollbacks.Inc()

	if walErr != nil {
		return errors.Wrap(walErr, "rollback marker write failed")
	}
	t.logger.Debug().Uint64("xid", uint64(xid)).Msg("transaction rolled back")
	return nil
}

// Status returns the last known status of the transaction, including
// terminal states of finished transactions.
func (t *TxnManager) Status(xid transaction.TxID) (transaction.Status, error) {
	s, ok := t.statuses.Load(xid)
	if !ok {
		return 0, errors.Wrapf(ErrInvalidTransaction, "xid %d", xid)
	}
	return s, nil
}

// ModifiedPages returns the pages the transaction touched.
func (t *TxnManager) ModifiedPages(xid transaction.TxID) ([]uint32, error) {
	txn, ok := t.actives.Load(xid)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidTransaction, "xid %d", xid)
	}
	return txn.ModifiedPages(), nil
}

// ModifiedRecords returns the records the transaction touched.
func (t *TxnManager) ModifiedRecords(xid transaction.TxID) ([]transaction.RecordID, error) {
	txn, ok := t.actives.Load(xid)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidTransaction, "xid %d", xid)
	}
	return txn.ModifiedRecords(), nil
}

// PickVictim chooses which of the given transactions to abort to break a
// deadlock, using the lock manager's configured policy.
func (t *TxnManager) PickVictim(xids []transaction.TxID) transaction.TxID {
	raw := make([]uint64, len(xids))
	for i, x := range xids {
		raw[i] = uint64(x)
	}
	return transaction.TxID(t.locks.PickVictim(raw))
}

// RollbackActives writes rollback markers for every transaction the log
// reports unfinished. Called once on startup, after log recovery; a crashed
// writer must never look committed.
func (t *TxnManager) RollbackActives() error {
	actives := t.wal.ActiveTransactions()
	for _, xid := range actives {
		if _, err := t.wal.Append(wal.NewRollbackLogRecord(xid)); err != nil {
			return errors.Wrapf(err, "cannot roll back in-doubt transaction %d", xid)
		}
		t.statuses.Store(transaction.TxID(xid), transaction.StatusAborted)

		// ids must stay monotonic across restarts.
		for {
			cur := t.counter.Load()
			if cur >= xid || t.counter.CompareAndSwap(cur, xid) {
				break
			}
		}
	}

	if len(actives) > 0 {
		t.logger.Info().Ints64("xids", toInt64s(actives)).Msg("rolled back in-doubt transactions")
	}
	return nil
}

func toInt64s(xs []uint64) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}
