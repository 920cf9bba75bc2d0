package common

import (
	"sync"
	"sync/atomic"
)

var mutexPool = sync.Pool{New: func() any {
	return &sync.Mutex{}
}}

// KeyMutex provides a mutex per key. It is used to serialize operations on a
// single page without blocking operations on other pages.
type KeyMutex[T comparable] struct {
	mutexes sync.Map
	gcLock  sync.Mutex
	counter uint64
}

// Lock acquires a lock for the given key and returns a releaser function.
// Caller should call the releaser when it is done with the lock.
func (m *KeyMutex[T]) Lock(key T) func() {
	m.gcLock.Lock()
	defer m.gcLock.Unlock()

	// collect stale mutexes every 1000th call.
	if c := atomic.AddUint64(&m.counter, 1); c%1000 == 0 {
		m.gc()
	}

	// mutexes are drawn from a pool to reduce gc pressure
	value, _ := m.mutexes.LoadOrStore(key, mutexPool.Get())
	mtx := value.(*sync.Mutex)
	mtx.Lock()

	return func() { mtx.Unlock() }
}

// gc runs every nth call to Lock and collects unlocked mutexes so that the
// mutexes map does not grow forever.
func (m *KeyMutex[T]) gc() {
	m.mutexes.Range(func(key, value any) bool {
		if mut := value.(*sync.Mutex); mut.TryLock() {
			m.mutexes.Delete(key)
			mut.Unlock()
			mutexPool.Put(mut)
		}

		return true
	})
}
