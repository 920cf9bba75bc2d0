package wal

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"kiln/disk/pages"
)

// Wire format of one record:
//
//	[LSN:8][bodyLen:4][body]
//
// body = [tag:1][payloadLen:4][payload]
//
// payloads:
//
//	redo:       xid:8 pageId:4 offset:2 newDataLen:4 newData
//	undo:       xid:8 operationType:4 undoDataLen:4 undoData
//	checkpoint: snappy-compressed active txn ids, 8 bytes each

var (
	ErrShortRead     = errors.New("wal: short read")
	ErrUnknownRecord = errors.New("wal: unknown record type")
)

const recordHeaderSize = 12

type LogRecordSerializer interface {
	Serialize(r *LogRecord) ([]byte, error)

	// Deserialize reads exactly one record from src. It returns io.EOF on a
	// clean end of the stream and ErrShortRead on a torn record.
	Deserialize(src io.Reader) (*LogRecord, int, error)
}

var _ LogRecordSerializer = &DefaultLogRecordSerializer{}

type DefaultLogRecordSerializer struct{}

func (d *DefaultLogRecordSerializer) Serialize(r *LogRecord) ([]byte, error) {
	var payload []byte
	switch r.T {
	case TypeRedo:
		payload = make([]byte, 8+4+2+4+len(r.NewData))
		binary.BigEndian.PutUint64(payload[0:], r.Xid)
		binary.BigEndian.PutUint32(payload[8:], r.PageID)
		binary.BigEndian.PutUint16(payload[12:], r.Offset)
		binary.BigEndian.PutUint32(payload[14:], uint32(len(r.NewData)))
		copy(payload[18:], r.NewData)
	case TypeUndo:
		payload = make([]byte, 8+4+4+len(r.UndoData))
		binary.BigEndian.PutUint64(payload[0:], r.Xid)
		binary.BigEndian.PutUint32(payload[8:], uint32(r.Op))
		binary.BigEndian.PutUint32(payload[12:], uint32(len(r.UndoData)))
		copy(payload[16:], r.UndoData)
	case TypeCheckpoint:
		raw := make([]byte, 8*len(r.Actives))
		for i, xid := range r.Actives {
			binary.BigEndian.PutUint64(raw[i*8:], xid)
		}
		payload = snappy.Encode(nil, raw)
	default:
		return nil, errors.Wrapf(ErrUnknownRecord, "type %d", r.T)
	}

	buf := make([]byte, recordHeaderSize+1+4+len(payload))
	pages.PutLSN(buf[0:], r.Lsn)
	binary.BigEndian.PutUint32(buf[8:], uint32(1+4+len(payload)))
	buf[12] = byte(r.T)
	binary.BigEndian.PutUint32(buf[13:], uint32(len(payload)))
	copy(buf[17:], payload)
	return buf, nil
}

func (d *DefaultLogRecordSerializer) Deserialize(src io.Reader) (*LogRecord, int, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, ErrShortRead
	}

	lsn := pages.ReadLSN(header[0:])
	bodyLen := binary.BigEndian.Uint32(header[8:])
	if bodyLen < 5 {
		return nil, 0, ErrShortRead
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(src, body); err != nil {
		return nil, 0, ErrShortRead
	}

	r := &LogRecord{Lsn: lsn, T: RecordType(body[0])}
	payloadLen := binary.BigEndian.Uint32(body[1:])
	if int(payloadLen) != len(body)-5 {
		return nil, 0, ErrShortRead
	}
	payload := body[5:]

	switch r.T {
	case TypeRedo:
		if len(payload) < 18 {
			return nil, 0, ErrShortRead
		}
		r.Xid = binary.BigEndian.Uint64(payload[0:])
		r.PageID = binary.BigEndian.Uint32(payload[8:])
		r.Offset = binary.BigEndian.Uint16(payload[12:])
		n := binary.BigEndian.Uint32(payload[14:])
		if int(n) != len(payload)-18 {
			return nil, 0, ErrShortRead
		}
		if n > 0 {
			r.NewData = append([]byte(nil), payload[18:18+n]...)
		}
	case TypeUndo:
		if len(payload) < 16 {
			return nil, 0, ErrShortRead
		}
		r.Xid = binary.BigEndian.Uint64(payload[0:])
		r.Op = OperationType(binary.BigEndian.Uint32(payload[8:]))
		n := binary.BigEndian.Uint32(payload[12:])
		if int(n) != len(payload)-16 {
			return nil, 0, ErrShortRead
		}
		if n > 0 {
			r.UndoData = append([]byte(nil), payload[16:16+n]...)
		}
	case TypeCheckpoint:
		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, 0, errors.Wrap(err, "wal: corrupt checkpoint payload")
		}
		if len(raw)%8 != 0 {
			return nil, 0, ErrShortRead
		}
		for off := 0; off < len(raw); off += 8 {
			r.Actives = append(r.Actives, binary.BigEndian.Uint64(raw[off:]))
		}
	default:
		return nil, 0, errors.Wrapf(ErrUnknownRecord, "type %d at lsn %d", r.T, lsn)
	}

	return r, recordHeaderSize + int(bodyLen), nil
}
