package buffer

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kiln/common"
	"kiln/disk"
	"kiln/disk/pages"
	"kiln/telemetry"
)

var (
	ErrPageNotCached = errors.New("buffer: page not in cache")
	ErrPoolExhausted = errors.New("buffer: every cached page is pinned")
)

// PageCache owns every in-memory page, keyed by page id. Pages are pinned
// while in use; among unpinned pages the one with the oldest last access is
// evicted when the cache is full, flushed first if dirty. A pinned page is
// never chosen as the victim.
type PageCache struct {
	mu sync.Mutex

	capacity int
	pageMap  map[uint32]*pages.Page
	replacer Replacer

	dm disk.IDiskManager

	// opLocks serializes disk I/O per page so two readers of the same
	// uncached page do not race.
	opLocks common.KeyMutex[uint32]

	stats  *telemetry.Stats
	logger zerolog.Logger
}

func NewPageCache(dm disk.IDiskManager, capacity int, stats *telemetry.Stats) *PageCache {
	if stats == nil {
		stats = telemetry.NewNoopStats()
	}
	return &PageCache{
		capacity: capacity,
		pageMap:  make(map[uint32]*pages.Page, capacity),
		replacer: NewLruReplacer(capacity),
		dm:       dm,
		stats:    stats,
		logger:   log.With().Str("component", "buffer").Logger(),
	}
}

// CreatePage allocates the next page id and caches an empty page with the
// default header. The page comes back pinned and dirty.
func (b *PageCache) CreatePage() (*pages.Page, error) {
	pageID := b.dm.NewPageID()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.makeRoomLocked(); err != nil {
		return nil, err
	}

	p := pages.NewPage(pageID)
	p.SetDirty()
	p.IncrPinCount()
	b.pageMap[pageID] = p
	b.stats.CachedPages.Inc()
	return p, nil
}

// GetPage returns the cached page, or reads and decodes it from disk on a
// miss. The page comes back pinned; callers unpin when done.
func (b *PageCache) GetPage(pageID uint32) (*pages.Page, error) {
	b.mu.Lock()
	if p, ok := b.pageMap[pageID]; ok {
		b.pinLocked(p)
		b.mu.Unlock()
		b.stats.CacheHits.Inc()
		return p, nil
	}
	b.mu.Unlock()

	release := b.opLocks.Lock(pageID)
	defer release()

	// another goroutine may have read it while we waited.
	b.mu.Lock()
	if p, ok := b.pageMap[pageID]; ok {
		b.pinLocked(p)
		b.mu.Unlock()
		b.stats.CacheHits.Inc()
		return p, nil
	}

	b.mu.Unlock()

	buf := make([]byte, disk.PageSize)
	if err := b.dm.ReadPage(pageID, buf); err != nil {
		return nil, err
	}
	p, err := pages.Decode(buf)
	if err != nil {
		return nil, err
	}

	// room is made at insert time; a concurrent miss may have filled the
	// cache while the read was in flight.
	b.mu.Lock()
	if err := b.makeRoomLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	p.IncrPinCount()
	b.pageMap[pageID] = p
	b.mu.Unlock()

	b.stats.CacheMisses.Inc()
	b.stats.CachedPages.Inc()
	return p, nil
}

// Pin bumps the page's pin count, shielding it from eviction.
func (b *PageCache) Pin(pageID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pageMap[pageID]
	if !ok {
		return errors.Wrapf(ErrPageNotCached, "pin page %d", pageID)
	}
	b.pinLocked(p)
	return nil
}

func (b *PageCache) pinLocked(p *pages.Page) {
	p.IncrPinCount()
	b.replacer.Pin(p.GetPageID())
}

// Unpin drops one pin. When the count reaches zero the page becomes an
// eviction candidate. isDirty marks the page as modified by this user.
func (b *PageCache) Unpin(pageID uint32, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pageMap[pageID]
	if !ok {
		return errors.Wrapf(ErrPageNotCached, "unpin page %d", pageID)
	}
	common.Assert(p.GetPinCount() > 0, "unpin of page %d with pin count %d", pageID, p.GetPinCount())

	if isDirty {
		p.SetDirty()
	}

	p.DecrPinCount()
	if p.GetPinCount() == 0 {
		b.replacer.Unpin(pageID)
	}
	return nil
}

// WritePage encodes and writes the page at its file offset. A clean page is
// a no-op.
func (b *PageCache) WritePage(p *pages.Page) error {
	if !p.IsDirty() {
		return nil
	}

	buf, err := p.Encode()
	if err != nil {
		return err
	}
	if err := b.dm.WritePage(buf, p.GetPageID()); err != nil {
		return err
	}
	p.SetClean()
	return nil
}

// makeRoomLocked evicts until a new page fits. Caller holds b.mu. An
// eviction write failure is logged and the page is dropped anyway; it does
// not block the allocation that triggered it.
func (b *PageCache) makeRoomLocked() error {
	for len(b.pageMap) >= b.capacity {
		victimID, ok := b.replacer.Victim()
		if !ok {
			return ErrPoolExhausted
		}

		victim, ok := b.pageMap[victimID]
		if !ok {
			continue
		}
		common.Assert(victim.GetPinCount() == 0,
			"page %d chosen as victim with pin count %d", victimID, victim.GetPinCount())

		if victim.IsDirty() {
			if err := b.WritePage(victim); err != nil {
				b.logger.Error().Err(err).Uint32("page", victimID).
					Msg("flush of eviction victim failed, dropping page")
			}
		}

		delete(b.pageMap, victimID)
		b.stats.CacheEvictions.Inc()
		b.stats.CachedPages.Dec()
	}
	return nil
}

// AllocatePageID hands out the next page id without caching a page for it.
func (b *PageCache) AllocatePageID() uint32 {
	return b.dm.NewPageID()
}

// TotalPages returns the number of allocated pages in the data file.
func (b *PageCache) TotalPages() uint32 {
	return b.dm.TotalPages()
}

// FreeSpace reports the page's available bytes.
func (b *PageCache) FreeSpace(pageID uint32) (int, error) {
	p, err := b.GetPage(pageID)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.Unpin(pageID, false) }()
	return p.FreeSpace(), nil
}

// NeedsCompaction reports whether the page's fragmentation is worth
// reclaiming.
func (b *PageCache) NeedsCompaction(pageID uint32) (bool, error) {
	p, err := b.GetPage(pageID)
	if err != nil {
		return false, err
	}
	defer func() { _ = b.Unpin(pageID, false) }()
	return p.NeedsCompaction(), nil
}

// SetPageLSN stamps the page with the LSN of the log record covering its
// latest change, for write-ahead ordering.
func (b *PageCache) SetPageLSN(pageID uint32, lsn pages.LSN) error {
	p, err := b.GetPage(pageID)
	if err != nil {
		return err
	}
	defer func() { _ = b.Unpin(pageID, true) }()
	p.SetLSN(lsn)
	return nil
}

// GetPageLSN returns the LSN of the page's latest logged change.
func (b *PageCache) GetPageLSN(pageID uint32) (pages.LSN, error) {
	p, err := b.GetPage(pageID)
	if err != nil {
		return pages.ZeroLSN, err
	}
	defer func() { _ = b.Unpin(pageID, false) }()
	return p.GetLSN(), nil
}

// FlushAll writes every dirty page to disk. Pages pinned by others keep
// their pins; FlushAll only needs the page image.
func (b *PageCache) FlushAll() error {
	b.mu.Lock()
	dirty := make([]*pages.Page, 0, len(b.pageMap))
	for _, p := range b.pageMap {
		if p.IsDirty() {
			dirty = append(dirty, p)
		}
	}
	b.mu.Unlock()

	for _, p := range dirty {
		if err := b.WritePage(p); err != nil {
			return err
		}
	}
	return b.dm.Sync()
}

// CachedPages returns how many pages are resident.
func (b *PageCache) CachedPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pageMap)
}
