package wal

import (
	"io"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kiln/disk/pages"
	"kiln/telemetry"
)

var ErrLSNNotFound = errors.New("wal: no record with that lsn")

// LogManager owns the append-only log file. All appends are serialized and
// forced to stable storage before they return, so a returned LSN is durable.
type LogManager struct {
	mu sync.Mutex

	file       *os.File
	appendOff  int64
	serializer LogRecordSerializer

	nextLSN pages.LSN

	// history keeps every record of every transaction in write order, keyed
	// by xid. Rebuilt by Recover on startup.
	history map[uint64][]*LogRecord

	lastCheckpoint pages.LSN

	stats  *telemetry.Stats
	logger zerolog.Logger
}

// Open opens or creates the log file and replays it from offset zero to
// rebuild transaction history and the LSN counter.
func Open(path string, stats *telemetry.Stats) (*LogManager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: cannot open %s", path)
	}

	if stats == nil {
		stats = telemetry.NewNoopStats()
	}

	l := &LogManager{
		file:       f,
		serializer: &DefaultLogRecordSerializer{},
		nextLSN:    1,
		history:    map[uint64][]*LogRecord{},
		stats:      stats,
		logger:     log.With().Str("component", "wal").Str("file", path).Logger(),
	}

	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

// WriteRedoLog appends a redo record carrying the new bytes for a page range
// and forces it to disk.
func (l *LogManager) WriteRedoLog(xid uint64, pageID uint32, offset uint16, newData []byte) (pages.LSN, error) {
	return l.Append(NewRedoLogRecord(xid, pageID, offset, newData))
}

// WriteUndoLog appends an undo record carrying whatever the upper layer needs
// to reverse the operation.
func (l *LogManager) WriteUndoLog(xid uint64, op OperationType, undoData []byte) (pages.LSN, error) {
	return l.Append(NewUndoLogRecord(xid, op, undoData))
}

// Append assigns the next LSN, writes the record and syncs the file. Any I/O
// failure is fatal to the append and surfaces unretried.
func (l *LogManager) Append(r *LogRecord) (pages.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.Lsn = l.nextLSN

	buf, err := l.serializer.Serialize(r)
	if err != nil {
		return pages.ZeroLSN, err
	}

	if _, err := l.file.WriteAt(buf, l.appendOff); err != nil {
		return pages.ZeroLSN, errors.Wrapf(err, "wal: append at offset %d failed", l.appendOff)
	}
	if err := l.file.Sync(); err != nil {
		return pages.ZeroLSN, errors.Wrap(err, "wal: sync failed")
	}

	l.appendOff += int64(len(buf))
	l.nextLSN++
	l.note(r)

	l.stats.WalAppends.Inc()
	l.stats.WalBytes.Add(float64(len(buf)))
	return r.Lsn, nil
}

// note records the already-written record in the in-memory bookkeeping.
// Caller holds l.mu.
func (l *LogManager) note(r *LogRecord) {
	switch r.T {
	case TypeCheckpoint:
		l.lastCheckpoint = r.Lsn
	default:
		l.history[r.Xid] = append(l.history[r.Xid], r)
	}
}

// ReadLog scans the file from the start until it finds the record with the
// given LSN. Linear on purpose: recovery and debugging are the only callers.
func (l *LogManager) ReadLog(lsn pages.LSN) (*LogRecord, error) {
	l.mu.Lock()
	size := l.appendOff
	l.mu.Unlock()

	src := io.NewSectionReader(l.file, 0, size)
	for {
		r, _, err := l.serializer.Deserialize(src)
		if err == io.EOF {
			return nil, errors.Wrapf(ErrLSNNotFound, "lsn %d", lsn)
		}
		if err != nil {
			return nil, err
		}
		if r.Lsn == lsn {
			return r, nil
		}
	}
}

// TransactionLogs returns every record written for the transaction, oldest
// first. The slice is a copy.
func (l *LogManager) TransactionLogs(xid uint64) []*LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*LogRecord(nil), l.history[xid]...)
}

// ActiveTransactions returns every transaction whose most recent record is
// not an undo record, meaning it has neither committed nor rolled back.
func (l *LogManager) ActiveTransactions() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var actives []uint64
	for xid, recs := range l.history {
		if len(recs) == 0 {
			continue
		}
		if recs[len(recs)-1].T != TypeUndo {
			actives = append(actives, xid)
		}
	}
	sort.Slice(actives, func(i, j int) bool { return actives[i] < actives[j] })
	return actives
}

// CreateCheckpoint appends a checkpoint record carrying the current active
// transaction list. Recovery still scans from offset zero; the checkpoint
// only bounds it in principle.
func (l *LogManager) CreateCheckpoint() (pages.LSN, error) {
	return l.Append(NewCheckpointLogRecord(l.ActiveTransactions()...))
}

// LastCheckpoint returns the LSN of the most recent checkpoint record, or
// ZeroLSN if none was ever written.
func (l *LogManager) LastCheckpoint() pages.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCheckpoint
}

// CurrentLSN returns the LSN the next append will receive.
func (l *LogManager) CurrentLSN() pages.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN
}

// recover replays the entire log, rebuilding per-transaction history, the
// latest checkpoint and the LSN counter.
func (l *LogManager) recover() error {
	stat, err := l.file.Stat()
	if err != nil {
		return errors.Wrap(err, "wal: cannot stat log file")
	}

	src := io.NewSectionReader(l.file, 0, stat.Size())
	var (
		maxLSN pages.LSN
		count  int
		off    int64
	)
	for {
		r, n, err := l.serializer.Deserialize(src)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "wal: recovery failed at offset %d", off)
		}

		l.note(r)
		if r.Lsn > maxLSN {
			maxLSN = r.Lsn
		}
		off += int64(n)
		count++
	}

	l.appendOff = off
	l.nextLSN = maxLSN + 1

	l.logger.Info().
		Int("records", count).
		Uint64("next_lsn", uint64(l.nextLSN)).
		Int("active_txns", len(l.activeTxnsLocked())).
		Msg("wal recovered")
	return nil
}

// activeTxnsLocked is ActiveTransactions without taking the mutex, for use
// during recovery before the manager is shared.
func (l *LogManager) activeTxnsLocked() []uint64 {
	var actives []uint64
	for xid, recs := range l.history {
		if len(recs) > 0 && recs[len(recs)-1].T != TypeUndo {
			actives = append(actives, xid)
		}
	}
	return actives
}

func (l *LogManager) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync on close failed")
	}
	return l.file.Close()
}
