package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, r *LogRecord) *LogRecord {
	t.Helper()

	s := &DefaultLogRecordSerializer{}
	buf, err := s.Serialize(r)
	require.NoError(t, err)

	got, n, err := s.Deserialize(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	return got
}

func TestLogRecordSerializer(t *testing.T) {
	t.Run("redo record round trip", func(t *testing.T) {
		r := NewRedoLogRecord(1001, 42, 128, []byte("new page bytes"))
		r.Lsn = 7

		got := roundTrip(t, r)
		assert.Equal(t, TypeRedo, got.T)
		assert.Equal(t, r.Lsn, got.Lsn)
		assert.Equal(t, r.Xid, got.Xid)
		assert.Equal(t, r.PageID, got.PageID)
		assert.Equal(t, r.Offset, got.Offset)
		assert.Equal(t, r.NewData, got.NewData)
	})

	t.Run("undo record round trip", func(t *testing.T) {
		r := NewUndoLogRecord(1002, OpDelete, []byte{0xde, 0xad, 0xbe, 0xef})
		r.Lsn = 12

		got := roundTrip(t, r)
		assert.Equal(t, TypeUndo, got.T)
		assert.Equal(t, r.Xid, got.Xid)
		assert.Equal(t, OpDelete, got.Op)
		assert.Equal(t, r.UndoData, got.UndoData)
	})

	t.Run("empty payload markers", func(t *testing.T) {
		begin := NewBeginLogRecord(5)
		begin.Lsn = 1
		got := roundTrip(t, begin)
		assert.Equal(t, TypeRedo, got.T)
		assert.Empty(t, got.NewData)

		commit := NewCommitLogRecord(5)
		commit.Lsn = 2
		got = roundTrip(t, commit)
		assert.Equal(t, TypeUndo, got.T)
		assert.Equal(t, OpCommit, got.Op)
		assert.True(t, got.IsTerminal())
	})

	t.Run("checkpoint round trip", func(t *testing.T) {
		r := NewCheckpointLogRecord(3, 5, 8)
		r.Lsn = 99

		got := roundTrip(t, r)
		assert.Equal(t, TypeCheckpoint, got.T)
		assert.Equal(t, []uint64{3, 5, 8}, got.Actives)
	})

	t.Run("torn record reports short read", func(t *testing.T) {
		s := &DefaultLogRecordSerializer{}
		buf, err := s.Serialize(NewRedoLogRecord(1, 2, 3, []byte("payload")))
		require.NoError(t, err)

		_, _, err = s.Deserialize(bytes.NewReader(buf[:len(buf)-3]))
		assert.ErrorIs(t, err, ErrShortRead)
	})

	t.Run("clean end of stream is EOF", func(t *testing.T) {
		s := &DefaultLogRecordSerializer{}
		_, _, err := s.Deserialize(bytes.NewReader(nil))
		assert.Equal(t, io.EOF, err)
	})

	t.Run("invalid type refused", func(t *testing.T) {
		s := &DefaultLogRecordSerializer{}
		_, err := s.Serialize(&LogRecord{T: TypeInvalid})
		assert.ErrorIs(t, err, ErrUnknownRecord)
	})
}
