package pages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/disk"
)

func sampleRecord(xid uint64, data string) Record {
	return Record{
		Status:       RecordLive,
		Xid:          xid,
		BeginTS:      100,
		EndTS:        200,
		PrevVersion:  0,
		NullBitmap:   []byte{0b0000_0101},
		FieldOffsets: []uint16{0, 4, 9},
		Data:         []byte(data),
	}
}

func TestPageCodec(t *testing.T) {
	t.Run("empty page round trip", func(t *testing.T) {
		p := NewPage(3)

		buf, err := p.Encode()
		require.NoError(t, err)
		require.Len(t, buf, disk.PageSize)

		got, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, p.Header, got.Header)
		assert.Equal(t, 0, got.GetPinCount())
		assert.False(t, got.IsDirty())
	})

	t.Run("page with records is byte identical after reencode", func(t *testing.T) {
		p := NewPage(7)
		_, err := p.InsertRecord(sampleRecord(1, "first record"))
		require.NoError(t, err)
		_, err = p.InsertRecord(sampleRecord(2, "second"))
		require.NoError(t, err)

		buf, err := p.Encode()
		require.NoError(t, err)

		got, err := Decode(buf)
		require.NoError(t, err)

		buf2, err := got.Encode()
		require.NoError(t, err)
		assert.Equal(t, buf, buf2)

		assert.Equal(t, p.Header, got.Header)
		require.Len(t, got.Records, 2)
		assert.Equal(t, p.Records[0], got.Records[0])
		assert.Equal(t, p.Records[1], got.Records[1])

		rec := got.GetRecord(1)
		require.NotNil(t, rec)
		assert.Equal(t, []byte("second"), rec.Data)
	})

	t.Run("slot offsets point at their records", func(t *testing.T) {
		p := NewPage(1)
		_, err := p.InsertRecord(sampleRecord(1, "abc"))
		require.NoError(t, err)
		_, err = p.InsertRecord(sampleRecord(2, "defgh"))
		require.NoError(t, err)

		buf, err := p.Encode()
		require.NoError(t, err)
		got, err := Decode(buf)
		require.NoError(t, err)

		first := got.Slots[0].Offset
		second := got.Slots[1].Offset
		assert.Greater(t, second, first)
		assert.Equal(t, int(second-first), got.Records[0].SerializedSize())
	})

	t.Run("checksum mismatch is detected", func(t *testing.T) {
		p := NewPage(2)
		_, err := p.InsertRecord(sampleRecord(1, "payload"))
		require.NoError(t, err)

		buf, err := p.Encode()
		require.NoError(t, err)

		buf[disk.PageSize-1] ^= 0xff
		_, err = Decode(buf)
		assert.ErrorIs(t, err, ErrBadChecksum)
	})

	t.Run("truncated buffer refused", func(t *testing.T) {
		_, err := Decode(make([]byte, 100))
		assert.ErrorIs(t, err, ErrTruncated)
	})
}

func TestPageRecords(t *testing.T) {
	t.Run("insert updates counts and free space", func(t *testing.T) {
		p := NewPage(1)
		before := p.FreeSpace()

		rec := sampleRecord(1, "hello")
		slot, err := p.InsertRecord(rec)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), slot)
		assert.Equal(t, uint32(1), p.Header.SlotCount)
		assert.Equal(t, uint32(1), p.Header.RecordCount)
		assert.Equal(t, before-rec.SerializedSize()-SlotSize, p.FreeSpace())
	})

	t.Run("insert refused when page is full", func(t *testing.T) {
		p := NewPage(1)
		big := sampleRecord(1, string(make([]byte, disk.PageSize)))
		_, err := p.InsertRecord(big)
		assert.ErrorIs(t, err, ErrPageFull)
	})

	t.Run("delete leaves a hole and a dead slot", func(t *testing.T) {
		p := NewPage(1)
		_, err := p.InsertRecord(sampleRecord(1, "aaa"))
		require.NoError(t, err)
		s2, err := p.InsertRecord(sampleRecord(2, "bbb"))
		require.NoError(t, err)

		require.NoError(t, p.DeleteRecord(s2))
		assert.Nil(t, p.GetRecord(s2))
		assert.Equal(t, uint32(2), p.Header.SlotCount)
		assert.Equal(t, uint32(1), p.Header.RecordCount)
		require.Len(t, p.FreeDir, 1)

		// first record still accessible through its slot
		rec := p.GetRecord(0)
		require.NotNil(t, rec)
		assert.Equal(t, []byte("aaa"), rec.Data)

		assert.Error(t, p.DeleteRecord(s2))
	})

	t.Run("free space stays honest after a delete", func(t *testing.T) {
		p := NewPage(1)

		var slots []uint32
		for i := 0; i < 8; i++ {
			s, err := p.InsertRecord(sampleRecord(uint64(i), string(make([]byte, 400))))
			require.NoError(t, err)
			slots = append(slots, s)
		}
		require.NoError(t, p.DeleteRecord(slots[3]))

		// a record bigger than what the page can really hold is refused up
		// front, not accepted and blown up at encode time
		_, err := p.InsertRecord(sampleRecord(9, string(make([]byte, 900))))
		require.ErrorIs(t, err, ErrPageFull)

		// a record sized exactly to the reported free space fits and encodes
		empty := sampleRecord(9, "")
		overhead := empty.SerializedSize()
		rec := sampleRecord(9, string(make([]byte, p.FreeSpace()-SlotSize-overhead)))
		require.Equal(t, p.FreeSpace(), rec.SerializedSize()+SlotSize)
		fillSlot, err := p.InsertRecord(rec)
		require.NoError(t, err)
		assert.Equal(t, 0, p.FreeSpace())

		buf, err := p.Encode()
		require.NoError(t, err)
		got, err := Decode(buf)
		require.NoError(t, err)

		assert.Nil(t, got.GetRecord(slots[3]))
		first := got.GetRecord(slots[0])
		require.NotNil(t, first)
		assert.Equal(t, uint64(0), first.Xid)
		fill := got.GetRecord(fillSlot)
		require.NotNil(t, fill)
		assert.Equal(t, uint64(9), fill.Xid)
	})

	t.Run("fragmentation triggers compaction", func(t *testing.T) {
		p := NewPage(1)
		assert.False(t, p.NeedsCompaction())

		s1, err := p.InsertRecord(sampleRecord(1, "some payload"))
		require.NoError(t, err)
		_, err = p.InsertRecord(sampleRecord(2, "other payload"))
		require.NoError(t, err)

		require.NoError(t, p.DeleteRecord(s1))
		assert.True(t, p.NeedsCompaction())
	})

	t.Run("modification bumps version and timestamp", func(t *testing.T) {
		p := NewPage(1)
		v := p.Header.Version

		_, err := p.InsertRecord(sampleRecord(1, "x"))
		require.NoError(t, err)
		assert.Greater(t, p.Header.Version, v)
	})
}
