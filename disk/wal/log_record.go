package wal

import (
	"kiln/disk/pages"
)

type RecordType uint8

const (
	TypeInvalid RecordType = iota
	TypeRedo
	TypeUndo
	TypeCheckpoint
)

// OperationType classifies an undo record. The commit and rollback markers
// are undo records too, so that a transaction whose last record is an undo
// record is exactly a finished transaction.
type OperationType uint32

const (
	OpInvalid OperationType = iota
	OpInsert
	OpUpdate
	OpDelete
	OpCommit
	OpRollback
)

// LogRecord is the tagged union written to the WAL. Which fields are
// meaningful depends on T.
type LogRecord struct {
	T   RecordType
	Lsn pages.LSN
	Xid uint64

	// redo
	PageID  uint32
	Offset  uint16
	NewData []byte

	// undo
	Op       OperationType
	UndoData []byte

	// checkpoint
	Actives []uint64
}

func (r *LogRecord) Type() RecordType { return r.T }

// IsTerminal reports whether the record finishes its transaction.
func (r *LogRecord) IsTerminal() bool {
	return r.T == TypeUndo && (r.Op == OpCommit || r.Op == OpRollback)
}

func NewRedoLogRecord(xid uint64, pageID uint32, offset uint16, newData []byte) *LogRecord {
	return &LogRecord{T: TypeRedo, Xid: xid, PageID: pageID, Offset: offset, NewData: newData}
}

func NewUndoLogRecord(xid uint64, op OperationType, undoData []byte) *LogRecord {
	return &LogRecord{T: TypeUndo, Xid: xid, Op: op, UndoData: undoData}
}

// NewBeginLogRecord is the begin marker: an empty redo record on page 0.
func NewBeginLogRecord(xid uint64) *LogRecord {
	return &LogRecord{T: TypeRedo, Xid: xid}
}

func NewCommitLogRecord(xid uint64) *LogRecord {
	return &LogRecord{T: TypeUndo, Xid: xid, Op: OpCommit}
}

func NewRollbackLogRecord(xid uint64) *LogRecord {
	return &LogRecord{T: TypeUndo, Xid: xid, Op: OpRollback}
}

func NewCheckpointLogRecord(actives ...uint64) *LogRecord {
	return &LogRecord{T: TypeCheckpoint, Actives: actives}
}
