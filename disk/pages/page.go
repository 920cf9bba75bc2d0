package pages

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"kiln/disk"
)

type PageType uint8

const (
	TypeDataLeaf PageType = iota + 1
	TypeDataInternal
	TypeIndexLeaf
	TypeIndexInternal
)

type RecordStatus uint8

const (
	RecordLive RecordStatus = iota
	RecordDeleted
)

// Header is the fixed 73-byte page header. Field order matches the on-disk
// layout.
type Header struct {
	PageID            uint32
	FileOffset        uint64
	PageLSN           LSN
	Type              PageType
	PrevPageID        uint32
	NextPageID        uint32
	FreeSpaceDirCount uint32
	FreeSpacePointer  uint32
	SlotCount         uint32
	RecordCount       uint32
	Checksum          uint32
	Version           uint64
	CreateTime        uint64
	LastModifiedTime  uint64
}

// Slot is one slot-directory entry pointing at a record in the payload area.
type Slot struct {
	Offset        uint16
	InUse         bool
	RecordVersion uint64
	PageID        uint32
	SlotID        uint32
}

// FreeSpaceEntry marks a reusable hole left by a deleted record.
type FreeSpaceEntry struct {
	Offset uint32
	Length uint32
}

// Record is a serialized row with its MVCC bookkeeping.
type Record struct {
	Status       RecordStatus
	Xid          uint64
	BeginTS      uint64
	EndTS        uint64
	PrevVersion  uint64
	NullBitmap   []byte
	FieldOffsets []uint16
	Data         []byte
}

// SerializedSize is the record's on-disk length including the length field.
func (r *Record) SerializedSize() int {
	return recordFixedSize + 2 + len(r.NullBitmap) + 2 + 2*len(r.FieldOffsets) + len(r.Data)
}

// Page is the in-memory image of one fixed-size disk page. The durable state
// is Header, Slots, FreeDir and Records; pin count and dirty flag are
// transient and never serialized. Every accessor takes the page latch, so a
// pin holder mutating the page is serialized against Encode and against other
// mutators.
type Page struct {
	Header  Header
	Slots   []Slot
	FreeDir []FreeSpaceEntry
	Records []Record

	pinCount int
	dirty    bool
	latch    sync.RWMutex
}

var ErrPageFull = errors.New("pages: not enough free space in page")

// NewPage creates an empty data-typed leaf page with the default header.
func NewPage(pageID uint32) *Page {
	now := uint64(time.Now().UnixNano())
	return &Page{
		Header: Header{
			PageID:           pageID,
			FileOffset:       uint64(pageID) * uint64(disk.PageSize),
			PageLSN:          ZeroLSN,
			Type:             TypeDataLeaf,
			FreeSpacePointer: uint32(HeaderSize),
			Version:          1,
			CreateTime:       now,
			LastModifiedTime: now,
		},
	}
}

func (p *Page) GetPageID() uint32 { return p.Header.PageID }

func (p *Page) GetLSN() LSN {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return p.Header.PageLSN
}

func (p *Page) SetLSN(l LSN) {
	p.latch.Lock()
	defer p.latch.Unlock()
	p.Header.PageLSN = l
	p.touch()
}

// Pin count is guarded by the page cache's own mutex, not the latch.
func (p *Page) GetPinCount() int { return p.pinCount }
func (p *Page) IncrPinCount()    { p.pinCount++ }
func (p *Page) DecrPinCount()    { p.pinCount-- }

func (p *Page) IsDirty() bool {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return p.dirty
}

func (p *Page) SetDirty() {
	p.latch.Lock()
	defer p.latch.Unlock()
	p.dirty = true
}

func (p *Page) SetClean() {
	p.latch.Lock()
	defer p.latch.Unlock()
	p.dirty = false
}

// touch is called with the write latch held.
func (p *Page) touch() {
	p.Header.LastModifiedTime = uint64(time.Now().UnixNano())
	p.Header.Version++
}

// FreeSpace returns the bytes still available for new records and their slot
// entries. Records are re-packed contiguously at encode time, so a deleted
// record's bytes are already part of the unused tail; the free-space
// directory entries themselves still consume space.
func (p *Page) FreeSpace() int {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return p.freeSpace()
}

func (p *Page) freeSpace() int {
	used := HeaderSize + len(p.Slots)*SlotSize + len(p.FreeDir)*FreeEntrySize
	for i := range p.Records {
		used += p.Records[i].SerializedSize()
	}
	return disk.PageSize - used
}

// NeedsCompaction reports whether the page's holes are worth reclaiming: the
// fragmented free bytes exceed half of a rough average record size.
func (p *Page) NeedsCompaction() bool {
	p.latch.RLock()
	defer p.latch.RUnlock()

	if p.Header.RecordCount == 0 {
		return false
	}

	var fragmented int
	for _, e := range p.FreeDir {
		fragmented += int(e.Length)
	}
	if fragmented == 0 {
		return false
	}

	var recordBytes int
	for i := range p.Records {
		recordBytes += p.Records[i].SerializedSize()
	}
	estimate := recordBytes / int(p.Header.RecordCount)
	if estimate == 0 {
		return false
	}

	return float64(fragmented)/float64(estimate) > 0.5
}

// InsertRecord appends a record and its slot-directory entry. It returns the
// slot index. Record offsets are materialized at encode time.
func (p *Page) InsertRecord(rec Record) (uint32, error) {
	p.latch.Lock()
	defer p.latch.Unlock()

	need := rec.SerializedSize() + SlotSize
	if p.freeSpace() < need {
		return 0, ErrPageFull
	}

	slotID := uint32(len(p.Slots))
	p.Slots = append(p.Slots, Slot{
		InUse:         true,
		RecordVersion: 1,
		PageID:        p.Header.PageID,
		SlotID:        slotID,
	})
	p.Records = append(p.Records, rec)
	p.Header.SlotCount = uint32(len(p.Slots))
	p.Header.RecordCount = uint32(len(p.Records))
	p.touch()
	return slotID, nil
}

// GetRecord returns the live record behind the given slot, or nil for a dead
// or unknown slot.
func (p *Page) GetRecord(slotID uint32) *Record {
	p.latch.RLock()
	defer p.latch.RUnlock()

	if int(slotID) >= len(p.Slots) || !p.Slots[slotID].InUse {
		return nil
	}

	// records are stored in slot order, skipping dead slots.
	idx := 0
	for i := uint32(0); i < slotID; i++ {
		if p.Slots[i].InUse {
			idx++
		}
	}
	if idx >= len(p.Records) {
		return nil
	}
	return &p.Records[idx]
}

// DeleteRecord marks the slot dead, removes its record and records the hole
// in the free-space directory.
func (p *Page) DeleteRecord(slotID uint32) error {
	p.latch.Lock()
	defer p.latch.Unlock()

	if int(slotID) >= len(p.Slots) || !p.Slots[slotID].InUse {
		return errors.Errorf("pages: no live record at slot %d of page %d", slotID, p.Header.PageID)
	}

	idx := 0
	for i := uint32(0); i < slotID; i++ {
		if p.Slots[i].InUse {
			idx++
		}
	}

	rec := &p.Records[idx]
	p.FreeDir = append(p.FreeDir, FreeSpaceEntry{
		Offset: uint32(p.Slots[slotID].Offset),
		Length: uint32(rec.SerializedSize()),
	})
	p.Records = append(p.Records[:idx], p.Records[idx+1:]...)

	p.Slots[slotID].InUse = false
	p.Slots[slotID].RecordVersion++
	p.Header.FreeSpaceDirCount = uint32(len(p.FreeDir))
	p.Header.RecordCount = uint32(len(p.Records))
	p.touch()
	return nil
}
