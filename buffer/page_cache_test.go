package buffer

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/disk"
	"kiln/disk/pages"
)

func newTestCache(t *testing.T, capacity int) *PageCache {
	t.Helper()

	dm, created, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { _ = dm.Close() })

	return NewPageCache(dm, capacity, nil)
}

func TestPageCache(t *testing.T) {
	t.Run("create pins a dirty page", func(t *testing.T) {
		b := newTestCache(t, 4)

		p, err := b.CreatePage()
		require.NoError(t, err)
		assert.Equal(t, uint32(1), p.GetPageID())
		assert.Equal(t, 1, p.GetPinCount())
		assert.True(t, p.IsDirty())
	})

	t.Run("get returns the cached instance", func(t *testing.T) {
		b := newTestCache(t, 4)

		p, err := b.CreatePage()
		require.NoError(t, err)
		require.NoError(t, b.Unpin(p.GetPageID(), true))

		got, err := b.GetPage(p.GetPageID())
		require.NoError(t, err)
		assert.Same(t, p, got)
		assert.Equal(t, 1, got.GetPinCount())
	})

	t.Run("pages survive eviction round trips", func(t *testing.T) {
		b := newTestCache(t, 2)

		ids := make([]uint32, 0, 10)
		for i := 0; i < 10; i++ {
			p, err := b.CreatePage()
			require.NoError(t, err)

			_, err = p.InsertRecord(pages.Record{
				Xid:  uint64(i),
				Data: []byte{byte(i), byte(i), byte(i)},
			})
			require.NoError(t, err)

			ids = append(ids, p.GetPageID())
			require.NoError(t, b.Unpin(p.GetPageID(), true))
		}
		assert.LessOrEqual(t, b.CachedPages(), 2)

		for i, id := range ids {
			p, err := b.GetPage(id)
			require.NoError(t, err)
			rec := p.GetRecord(0)
			require.NotNil(t, rec)
			assert.Equal(t, uint64(i), rec.Xid)
			assert.Equal(t, []byte{byte(i), byte(i), byte(i)}, rec.Data)
			require.NoError(t, b.Unpin(id, false))
		}
	})

	t.Run("pinned pages are never evicted", func(t *testing.T) {
		b := newTestCache(t, 2)

		p1, err := b.CreatePage()
		require.NoError(t, err)
		p2, err := b.CreatePage()
		require.NoError(t, err)

		// both pinned, nothing can make room
		_, err = b.CreatePage()
		assert.ErrorIs(t, err, ErrPoolExhausted)

		// unpinning one page unblocks allocation, the pinned one survives
		require.NoError(t, b.Unpin(p2.GetPageID(), true))
		_, err = b.CreatePage()
		require.NoError(t, err)
		assert.Equal(t, 1, p1.GetPinCount())

		got, err := b.GetPage(p1.GetPageID())
		require.NoError(t, err)
		assert.Same(t, p1, got)
	})

	t.Run("eviction prefers the oldest unpinned page", func(t *testing.T) {
		b := newTestCache(t, 2)

		p1, err := b.CreatePage()
		require.NoError(t, err)
		p2, err := b.CreatePage()
		require.NoError(t, err)
		require.NoError(t, b.Unpin(p1.GetPageID(), true))
		require.NoError(t, b.Unpin(p2.GetPageID(), true))

		// touch p1 so p2 becomes the oldest
		_, err = b.GetPage(p1.GetPageID())
		require.NoError(t, err)
		require.NoError(t, b.Unpin(p1.GetPageID(), false))

		_, err = b.CreatePage()
		require.NoError(t, err)

		b.mu.Lock()
		_, p1Cached := b.pageMap[p1.GetPageID()]
		_, p2Cached := b.pageMap[p2.GetPageID()]
		b.mu.Unlock()
		assert.True(t, p1Cached)
		assert.False(t, p2Cached)
	})

	t.Run("write page is a no-op for clean pages", func(t *testing.T) {
		b := newTestCache(t, 2)

		p, err := b.CreatePage()
		require.NoError(t, err)
		require.NoError(t, b.WritePage(p))
		assert.False(t, p.IsDirty())

		// clean again: nothing to do
		require.NoError(t, b.WritePage(p))
	})

	t.Run("flush all persists dirty pages for a fresh cache", func(t *testing.T) {
		dir := t.TempDir()
		dm, _, err := disk.NewManager(filepath.Join(dir, "test.db"))
		require.NoError(t, err)

		b := NewPageCache(dm, 4, nil)
		p, err := b.CreatePage()
		require.NoError(t, err)
		_, err = p.InsertRecord(pages.Record{Xid: 9, Data: []byte("durable")})
		require.NoError(t, err)
		require.NoError(t, b.Unpin(p.GetPageID(), true))
		require.NoError(t, b.FlushAll())
		require.NoError(t, dm.Close())

		dm2, created, err := disk.NewManager(filepath.Join(dir, "test.db"))
		require.NoError(t, err)
		require.False(t, created)
		defer dm2.Close()

		b2 := NewPageCache(dm2, 4, nil)
		got, err := b2.GetPage(p.GetPageID())
		require.NoError(t, err)
		rec := got.GetRecord(0)
		require.NotNil(t, rec)
		assert.Equal(t, []byte("durable"), rec.Data)
	})

	t.Run("flush races with a pinned writer", func(t *testing.T) {
		dir := t.TempDir()
		dm, _, err := disk.NewManager(filepath.Join(dir, "test.db"))
		require.NoError(t, err)

		b := NewPageCache(dm, 4, nil)
		p, err := b.CreatePage()
		require.NoError(t, err)

		// the writer keeps its pin and mutates the page until it is full
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; ; i++ {
				if _, err := p.InsertRecord(pages.Record{Xid: uint64(i), Data: []byte("w")}); err != nil {
					return
				}
			}
		}()

		for i := 0; i < 50; i++ {
			require.NoError(t, b.Pin(p.GetPageID()))
			require.NoError(t, b.Unpin(p.GetPageID(), true))
			require.NoError(t, b.FlushAll())
		}
		<-done

		require.NoError(t, b.Unpin(p.GetPageID(), true))
		require.NoError(t, b.FlushAll())
		require.NoError(t, dm.Close())

		// the final on-disk image decodes cleanly with every record intact
		dm2, _, err := disk.NewManager(filepath.Join(dir, "test.db"))
		require.NoError(t, err)
		defer dm2.Close()

		b2 := NewPageCache(dm2, 4, nil)
		got, err := b2.GetPage(p.GetPageID())
		require.NoError(t, err)
		assert.Equal(t, len(p.Records), len(got.Records))
		rec := got.GetRecord(0)
		require.NotNil(t, rec)
		assert.Equal(t, []byte("w"), rec.Data)
	})

	t.Run("concurrent misses never overfill the cache", func(t *testing.T) {
		dir := t.TempDir()
		dm, _, err := disk.NewManager(filepath.Join(dir, "test.db"))
		require.NoError(t, err)
		defer dm.Close()

		seed := NewPageCache(dm, 8, nil)
		ids := make([]uint32, 0, 6)
		for i := 0; i < 6; i++ {
			p, err := seed.CreatePage()
			require.NoError(t, err)
			ids = append(ids, p.GetPageID())
			require.NoError(t, seed.Unpin(p.GetPageID(), true))
		}
		require.NoError(t, seed.FlushAll())

		b := NewPageCache(dm, 2, nil)
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(off int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					id := ids[(off+i)%len(ids)]
					// exhaustion is fine here, over-filling is not
					if _, err := b.GetPage(id); err != nil {
						continue
					}
					_ = b.Unpin(id, false)
				}
			}(g)
		}
		wg.Wait()

		assert.LessOrEqual(t, b.CachedPages(), 2)
	})

	t.Run("explicit pin and id allocation", func(t *testing.T) {
		b := newTestCache(t, 4)

		p, err := b.CreatePage()
		require.NoError(t, err)
		require.NoError(t, b.Pin(p.GetPageID()))
		assert.Equal(t, 2, p.GetPinCount())
		require.NoError(t, b.Unpin(p.GetPageID(), false))
		require.NoError(t, b.Unpin(p.GetPageID(), false))

		assert.ErrorIs(t, b.Pin(999), ErrPageNotCached)

		next := b.AllocatePageID()
		assert.Greater(t, next, p.GetPageID())
		assert.Equal(t, next, b.TotalPages())
	})

	t.Run("page lsn accessors", func(t *testing.T) {
		b := newTestCache(t, 4)

		p, err := b.CreatePage()
		require.NoError(t, err)
		require.NoError(t, b.Unpin(p.GetPageID(), true))

		require.NoError(t, b.SetPageLSN(p.GetPageID(), 42))
		lsn, err := b.GetPageLSN(p.GetPageID())
		require.NoError(t, err)
		assert.Equal(t, pages.LSN(42), lsn)
	})

	t.Run("free space and compaction queries", func(t *testing.T) {
		b := newTestCache(t, 4)

		p, err := b.CreatePage()
		require.NoError(t, err)
		id := p.GetPageID()
		require.NoError(t, b.Unpin(id, true))

		free, err := b.FreeSpace(id)
		require.NoError(t, err)
		assert.Equal(t, disk.PageSize-pages.HeaderSize, free)

		needs, err := b.NeedsCompaction(id)
		require.NoError(t, err)
		assert.False(t, needs)
	})
}
