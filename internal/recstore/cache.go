package recstore

// cache holds the most recent entries in store order, oldest first. When it
// is full the oldest entry is dropped to make room.
type cache struct {
	entries []Entry
	limit   int
}

func newCache(limit int) *cache {
	return &cache{
		entries: make([]Entry, 0, limit),
		limit:   limit,
	}
}

// add appends e and reports whether the oldest entry was evicted.
func (c *cache) add(e Entry) bool {
	if len(c.entries) < c.limit {
		c.entries = append(c.entries, e)
		return false
	}
	copy(c.entries, c.entries[1:])
	c.entries[len(c.entries)-1] = e
	return true
}

func (c *cache) find(id uint32) (Entry, bool) {
	for _, e := range c.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// newest returns the entry with the highest id.
func (c *cache) newest() (Entry, bool) {
	var best Entry
	found := false
	for _, e := range c.entries {
		if !found || e.ID > best.ID {
			best, found = e, true
		}
	}
	return best, found
}

// latest returns up to n of the most recent entries, oldest first.
func (c *cache) latest(n int) []Entry {
	if n > len(c.entries) {
		n = len(c.entries)
	}
	return c.snapshot()[len(c.entries)-n:]
}

func (c *cache) snapshot() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *cache) reset() {
	c.entries = c.entries[:0]
}

func (c *cache) len() int { return len(c.entries) }
