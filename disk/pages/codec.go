package pages

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"kiln/disk"
)

// On-disk layout of one page, big-endian, zero-padded to disk.PageSize:
//
//	header (73) | slotCount slot entries (19 each) |
//	freeSpaceDirCount free entries (8 each) | recordCount records
//
// Record layout:
//
//	length:2 status:1 xid:8 beginTS:8 endTS:8 prevVersionPointer:8
//	nullBitmapLen:2 nullBitmap fieldOffsetCount:2 offsets(2 each) data
const (
	HeaderSize    = 73
	SlotSize      = 19
	FreeEntrySize = 8

	// length, status, xid, beginTS, endTS, prevVersionPointer
	recordFixedSize = 2 + 1 + 8 + 8 + 8 + 8

	checksumOffset = 45
)

var (
	ErrPageOverflow = errors.New("pages: encoded page exceeds page size")
	ErrBadChecksum  = errors.New("pages: page checksum mismatch")
	ErrTruncated    = errors.New("pages: page buffer truncated")
)

// checksum hashes the whole page image with the checksum field zeroed,
// truncated to the 32 bits the header has room for.
func checksum(buf []byte) uint32 {
	h := xxhash.New()
	_, _ = h.Write(buf[:checksumOffset])
	_, _ = h.Write([]byte{0, 0, 0, 0})
	_, _ = h.Write(buf[checksumOffset+4:])
	return uint32(h.Sum64())
}

// Encode serializes the page into a fresh PageSize buffer and stamps the
// checksum. Slot offsets are materialized here: records are written
// sequentially after the directories and each live slot entry receives the
// offset of its record. Encode holds the write latch, so a concurrent
// mutator never sees a half-updated directory and never tears the image.
func (p *Page) Encode() ([]byte, error) {
	p.latch.Lock()
	defer p.latch.Unlock()

	buf := make([]byte, disk.PageSize)

	slotBase := HeaderSize
	freeBase := slotBase + len(p.Slots)*SlotSize
	recordBase := freeBase + len(p.FreeDir)*FreeEntrySize

	// records first so that slot offsets are known when the directory is
	// written.
	off := recordBase
	recOffsets := make([]int, len(p.Records))
	for i := range p.Records {
		n, err := encodeRecord(&p.Records[i], buf[off:])
		if err != nil {
			return nil, err
		}
		recOffsets[i] = off
		off += n
	}
	if off > disk.PageSize {
		return nil, ErrPageOverflow
	}

	p.Header.SlotCount = uint32(len(p.Slots))
	p.Header.RecordCount = uint32(len(p.Records))
	p.Header.FreeSpaceDirCount = uint32(len(p.FreeDir))
	p.Header.FreeSpacePointer = uint32(off)

	recIdx := 0
	for i := range p.Slots {
		if p.Slots[i].InUse {
			p.Slots[i].Offset = uint16(recOffsets[recIdx])
			recIdx++
		}
	}

	encodeHeader(&p.Header, buf)
	for i := range p.Slots {
		encodeSlot(&p.Slots[i], buf[slotBase+i*SlotSize:])
	}
	for i := range p.FreeDir {
		e := &p.FreeDir[i]
		binary.BigEndian.PutUint32(buf[freeBase+i*FreeEntrySize:], e.Offset)
		binary.BigEndian.PutUint32(buf[freeBase+i*FreeEntrySize+4:], e.Length)
	}

	p.Header.Checksum = checksum(buf)
	binary.BigEndian.PutUint32(buf[checksumOffset:], p.Header.Checksum)
	return buf, nil
}

// Decode parses a PageSize buffer into a clean, unpinned page and verifies
// the checksum.
func Decode(buf []byte) (*Page, error) {
	if len(buf) != disk.PageSize {
		return nil, ErrTruncated
	}

	p := &Page{}
	decodeHeader(&p.Header, buf)

	if got := checksum(buf); got != p.Header.Checksum {
		return nil, errors.Wrapf(ErrBadChecksum, "page %d: stored %#x computed %#x",
			p.Header.PageID, p.Header.Checksum, got)
	}

	slotBase := HeaderSize
	freeBase := slotBase + int(p.Header.SlotCount)*SlotSize
	recordBase := freeBase + int(p.Header.FreeSpaceDirCount)*FreeEntrySize
	if recordBase > disk.PageSize {
		return nil, ErrTruncated
	}

	p.Slots = make([]Slot, p.Header.SlotCount)
	for i := range p.Slots {
		decodeSlot(&p.Slots[i], buf[slotBase+i*SlotSize:])
	}

	p.FreeDir = make([]FreeSpaceEntry, p.Header.FreeSpaceDirCount)
	for i := range p.FreeDir {
		p.FreeDir[i].Offset = binary.BigEndian.Uint32(buf[freeBase+i*FreeEntrySize:])
		p.FreeDir[i].Length = binary.BigEndian.Uint32(buf[freeBase+i*FreeEntrySize+4:])
	}

	off := recordBase
	p.Records = make([]Record, p.Header.RecordCount)
	for i := range p.Records {
		n, err := decodeRecord(&p.Records[i], buf[off:])
		if err != nil {
			return nil, errors.Wrapf(err, "page %d record %d", p.Header.PageID, i)
		}
		off += n
	}

	return p, nil
}

func encodeHeader(h *Header, buf []byte) {
	binary.BigEndian.PutUint32(buf[0:], h.PageID)
	binary.BigEndian.PutUint64(buf[4:], h.FileOffset)
	PutLSN(buf[12:], h.PageLSN)
	buf[20] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[21:], h.PrevPageID)
	binary.BigEndian.PutUint32(buf[25:], h.NextPageID)
	binary.BigEndian.PutUint32(buf[29:], h.FreeSpaceDirCount)
	binary.BigEndian.PutUint32(buf[33:], h.FreeSpacePointer)
	binary.BigEndian.PutUint32(buf[37:], h.SlotCount)
	binary.BigEndian.PutUint32(buf[41:], h.RecordCount)
	binary.BigEndian.PutUint32(buf[45:], h.Checksum)
	binary.BigEndian.PutUint64(buf[49:], h.Version)
	binary.BigEndian.PutUint64(buf[57:], h.CreateTime)
	binary.BigEndian.PutUint64(buf[65:], h.LastModifiedTime)
}

func decodeHeader(h *Header, buf []byte) {
	h.PageID = binary.BigEndian.Uint32(buf[0:])
	h.FileOffset = binary.BigEndian.Uint64(buf[4:])
	h.PageLSN = ReadLSN(buf[12:])
	h.Type = PageType(buf[20])
	h.PrevPageID = binary.BigEndian.Uint32(buf[21:])
	h.NextPageID = binary.BigEndian.Uint32(buf[25:])
	h.FreeSpaceDirCount = binary.BigEndian.Uint32(buf[29:])
	h.FreeSpacePointer = binary.BigEndian.Uint32(buf[33:])
	h.SlotCount = binary.BigEndian.Uint32(buf[37:])
	h.RecordCount = binary.BigEndian.Uint32(buf[41:])
	h.Checksum = binary.BigEndian.Uint32(buf[45:])
	h.Version = binary.BigEndian.Uint64(buf[49:])
	h.CreateTime = binary.BigEndian.Uint64(buf[57:])
	h.LastModifiedTime = binary.BigEndian.Uint64(buf[65:])
}

func encodeSlot(s *Slot, buf []byte) {
	binary.BigEndian.PutUint16(buf[0:], s.Offset)
	if s.InUse {
		buf[2] = 1
	} else {
		buf[2] = 0
	}
	binary.BigEndian.PutUint64(buf[3:], s.RecordVersion)
	binary.BigEndian.PutUint32(buf[11:], s.PageID)
	binary.BigEndian.PutUint32(buf[15:], s.SlotID)
}

func decodeSlot(s *Slot, buf []byte) {
	s.Offset = binary.BigEndian.Uint16(buf[0:])
	s.InUse = buf[2] == 1
	s.RecordVersion = binary.BigEndian.Uint64(buf[3:])
	s.PageID = binary.BigEndian.Uint32(buf[11:])
	s.SlotID = binary.BigEndian.Uint32(buf[15:])
}

func encodeRecord(r *Record, buf []byte) (int, error) {
	size := r.SerializedSize()
	if size > len(buf) {
		return 0, ErrPageOverflow
	}

	binary.BigEndian.PutUint16(buf[0:], uint16(size))
	buf[2] = byte(r.Status)
	binary.BigEndian.PutUint64(buf[3:], r.Xid)
	binary.BigEndian.PutUint64(buf[11:], r.BeginTS)
	binary.BigEndian.PutUint64(buf[19:], r.EndTS)
	binary.BigEndian.PutUint64(buf[27:], r.PrevVersion)

	off := recordFixedSize
	binary.BigEndian.PutUint16(buf[off:], uint16(len(r.NullBitmap)))
	off += 2
	copy(buf[off:], r.NullBitmap)
	off += len(r.NullBitmap)

	binary.BigEndian.PutUint16(buf[off:], uint16(len(r.FieldOffsets)))
	off += 2
	for _, fo := range r.FieldOffsets {
		binary.BigEndian.PutUint16(buf[off:], fo)
		off += 2
	}

	copy(buf[off:], r.Data)
	return size, nil
}

func decodeRecord(r *Record, buf []byte) (int, error) {
	if len(buf) < recordFixedSize+4 {
		return 0, ErrTruncated
	}

	size := int(binary.BigEndian.Uint16(buf[0:]))
	if size > len(buf) || size < recordFixedSize+4 {
		return 0, ErrTruncated
	}

	r.Status = RecordStatus(buf[2])
	r.Xid = binary.BigEndian.Uint64(buf[3:])
	r.BeginTS = binary.BigEndian.Uint64(buf[11:])
	r.EndTS = binary.BigEndian.Uint64(buf[19:])
	r.PrevVersion = binary.BigEndian.Uint64(buf[27:])

	off := recordFixedSize
	bmLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+bmLen+2 > size {
		return 0, ErrTruncated
	}
	r.NullBitmap = append([]byte(nil), buf[off:off+bmLen]...)
	off += bmLen

	foCount := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+2*foCount > size {
		return 0, ErrTruncated
	}
	if foCount > 0 {
		r.FieldOffsets = make([]uint16, foCount)
		for i := range r.FieldOffsets {
			r.FieldOffsets[i] = binary.BigEndian.Uint16(buf[off:])
			off += 2
		}
	}

	r.Data = append([]byte(nil), buf[off:size]...)
	return size, nil
}
