package buffer

// Replacer tracks which cached pages are eviction candidates. A page is a
// candidate only while its pin count is zero.
type Replacer interface {
	// Pin removes the page from the candidate set.
	Pin(pageID uint32)

	// Unpin makes the page a candidate again, as the most recently used one.
	Unpin(pageID uint32)

	// Victim removes and returns the candidate with the oldest last access.
	Victim() (uint32, bool)

	Size() int
}
