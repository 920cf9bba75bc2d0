package buffer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"kiln/common"
)

// LruReplacer orders eviction candidates by recency of their last unpin,
// which is the last access for an unpinned page. Backed by an LRU list that
// is never size-bounded on its own: the page cache decides when to evict.
type LruReplacer struct {
	mu sync.Mutex
	c  *lru.Cache[uint32, struct{}]
}

var _ Replacer = &LruReplacer{}

func NewLruReplacer(poolSize int) *LruReplacer {
	// capacity poolSize+1 so the list itself never silently drops an entry;
	// Victim is the only way out.
	c, err := lru.New[uint32, struct{}](poolSize + 1)
	common.PanicIfErr(err)
	return &LruReplacer{c: c}
}

func (l *LruReplacer) Pin(pageID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(pageID)
}

func (l *LruReplacer) Unpin(pageID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(pageID, struct{}{})
}

func (l *LruReplacer) Victim() (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pageID, _, ok := l.c.RemoveOldest()
	return pageID, ok
}

func (l *LruReplacer) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
