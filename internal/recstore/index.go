package recstore

import "fmt"

// slots read per index transfer
const indexChunk = 32

// LoadIndexTable rebuilds the cache from the persisted index.
func (s *Store) LoadIndexTable() error {
	if err := s.checkInit(); err != nil {
		return err
	}
	return s.loadIndex()
}

// SaveIndexTable erases the index area and writes one slot per cached entry.
func (s *Store) SaveIndexTable() error {
	if err := s.checkInit(); err != nil {
		return err
	}
	return s.saveIndex()
}

// ScanDataArea rebuilds the cache, the record count and the write cursor
// from the headers in the data area.
func (s *Store) ScanDataArea() error {
	if err := s.checkInit(); err != nil {
		return err
	}
	return s.scan()
}

// rebuilt is the cache and cursor state produced by a load or a scan. It is
// applied to the store only once the rebuild has finished.
type rebuilt struct {
	cache    *cache
	total    uint32
	nextID   uint32
	nextAddr uint32
}

// commit installs r. A live store never moves its cursor backwards or
// reuses an id: sectors behind the cursor may still hold records the
// rebuild could not see.
func (s *Store) commit(r rebuilt) {
	if s.initialized && r.nextAddr < s.nextAddr {
		s.log.Warn("rebuilt cursor is behind the write cursor, keeping the cursor",
			"rebuilt", fmt.Sprintf("0x%06X", r.nextAddr),
			"cursor", fmt.Sprintf("0x%06X", s.nextAddr))
		r.nextAddr = s.nextAddr
	}
	if r.nextID < s.nextID {
		r.nextID = s.nextID
	}
	s.cache = r.cache
	s.total = r.total
	s.nextID = r.nextID
	s.nextAddr = r.nextAddr
}

// loadIndex reads index slots until a slot's magic does not match or the
// cache is full. The data area is scanned instead when the index is empty,
// when the loaded ids are not exactly 1..n, or when a record exists past
// the last indexed one. On a read error the store is left as it was.
func (s *Store) loadIndex() error {
	s.log.Info("loading index table")

	layout := s.cfg.Layout
	maxSlots := int(layout.IndexAreaSize / EntrySize)
	if maxSlots > s.cfg.CacheCapacity {
		maxSlots = s.cfg.CacheCapacity
	}

	c := newCache(s.cfg.CacheCapacity)
	buf := make([]byte, indexChunk*EntrySize)
	nextID := uint32(1)
	consistent := true
load:
	for slot := 0; slot < maxSlots; slot += indexChunk {
		n := min(indexChunk, maxSlots-slot)
		chunk := buf[:n*EntrySize]
		if err := s.dev.ReadAt(chunk, uint32(slot*EntrySize)); err != nil {
			return fmt.Errorf("load index: %w", err)
		}
		for i := range n {
			e, ok := decodeEntry(chunk[i*EntrySize:])
			if !ok {
				break load
			}
			if !s.entryInDataArea(e) {
				s.log.Warn("index entry outside data area", "slot", slot+i, "id", e.ID,
					"addr", fmt.Sprintf("0x%06X", e.Address), "len", e.Length)
				consistent = false
				break load
			}
			c.add(e)
			if e.ID >= nextID {
				nextID = e.ID + 1
			}
		}
	}

	if !consistent {
		return s.scan()
	}
	if c.len() == 0 {
		s.log.Info("index table empty, scanning data area")
		return s.scan()
	}

	for i, e := range c.entries {
		if want := uint32(i + 1); e.ID != want {
			s.log.Warn("gap in record ids, scanning data area", "expected", want, "found", e.ID)
			return s.scan()
		}
	}

	last, _ := c.newest()
	cursor := alignUp(recordEnd(last.Address, last.Length))
	s.log.Debug("last indexed record", "id", last.ID,
		"addr", fmt.Sprintf("0x%06X", last.Address),
		"next_addr", fmt.Sprintf("0x%06X", cursor))

	if found, err := s.recordAt(cursor, nextID); err != nil {
		return fmt.Errorf("load index: %w", err)
	} else if found {
		s.log.Warn("record found past the indexed tail, scanning data area", "id", nextID)
		return s.scan()
	}

	s.commit(rebuilt{cache: c, total: uint32(c.len()), nextID: nextID, nextAddr: cursor})
	s.log.Info("loaded index table", "entries", c.len(), "next_addr", fmt.Sprintf("0x%06X", s.nextAddr))
	return nil
}

func (s *Store) entryInDataArea(e Entry) bool {
	l := s.cfg.Layout
	return e.Address >= l.DataStart() &&
		e.Length > 0 && e.Length <= MaxPayload &&
		uint64(e.Address)+HeaderSize+uint64(e.Length) <= uint64(l.DataEnd())
}

// recordAt reports whether a header for id already sits at addr, which
// happens when power is lost between writing a record and saving the index.
func (s *Store) recordAt(addr, id uint32) (bool, error) {
	if uint64(addr)+HeaderSize > uint64(s.cfg.Layout.DataEnd()) {
		return false, nil
	}
	var hb [HeaderSize]byte
	if err := s.dev.ReadAt(hb[:], addr); err != nil {
		return false, err
	}
	var h Header
	_ = h.UnmarshalBinary(hb[:])
	return h.plausible() && h.ID == id, nil
}

func (s *Store) saveIndex() error {
	s.log.Debug("saving index table", "entries", s.cache.len())

	if err := s.dev.EraseRange(0, s.cfg.Layout.IndexAreaSize); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	entries := s.cache.entries
	if len(entries) == 0 {
		return nil
	}
	buf := make([]byte, len(entries)*EntrySize)
	for i, e := range entries {
		e.put(buf[i*EntrySize:])
	}
	if err := s.dev.Program(0, buf); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	s.log.Debug("saved index table", "entries", len(entries))
	return nil
}

// scan walks the data area from its start, one header per erase sector,
// and stops at the first slot that does not hold a plausible header. A read
// error leaves the store as it was.
func (s *Store) scan() error {
	s.log.Info("scanning data area")

	layout := s.cfg.Layout
	start, end := layout.DataStart(), layout.DataEnd()
	progress := s.cfg.Progress
	if progress == nil {
		progress = func(uint32, uint32) {}
	}

	r := rebuilt{cache: newCache(s.cfg.CacheCapacity), nextID: 1}
	var hb [HeaderSize]byte
	addr := start
	for uint64(addr)+HeaderSize <= uint64(end) {
		progress(addr-start, end-start)

		if err := s.dev.ReadAt(hb[:], addr); err != nil {
			return fmt.Errorf("scan at 0x%06X: %w", addr, err)
		}
		var h Header
		_ = h.UnmarshalBinary(hb[:])
		if h.Magic != HeaderMagic {
			break
		}
		if h.Length == 0 || h.Length > MaxPayload {
			s.log.Warn("invalid data length", "len", h.Length, "addr", fmt.Sprintf("0x%06X", addr))
			break
		}
		if uint64(recordEnd(addr, h.Length)) > uint64(end) {
			s.log.Warn("record runs past the data area", "id", h.ID, "addr", fmt.Sprintf("0x%06X", addr))
			break
		}

		r.cache.add(Entry{ID: h.ID, Address: addr, Length: h.Length})
		r.total++
		if h.ID >= r.nextID {
			r.nextID = h.ID + 1
		}
		addr = alignUp(recordEnd(addr, h.Length))
	}

	r.nextAddr = addr
	progress(end-start, end-start)
	s.commit(r)
	s.log.Info("scanned data area", "records", s.total, "next_addr", fmt.Sprintf("0x%06X", s.nextAddr))
	return nil
}
