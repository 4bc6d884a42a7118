package recstore

import (
	"fmt"
	"io"
)

// Info summarizes data area usage.
type Info struct {
	Used    uint32
	Free    uint32
	Records uint32
}

// StorageInfo returns how much of the data area is used and how many records
// have been written. Records counts evicted records too.
func (s *Store) StorageInfo() (Info, error) {
	if err := s.checkInit(); err != nil {
		return Info{}, err
	}
	used := s.nextAddr - s.cfg.Layout.DataStart()
	return Info{
		Used:    used,
		Free:    s.cfg.Layout.DataSize() - used,
		Records: s.total,
	}, nil
}

// NextWriteAddress returns the address the next record will be written at.
func (s *Store) NextWriteAddress() uint32 { return s.nextAddr }

// NextRecordID returns the id the next record will get.
func (s *Store) NextRecordID() uint32 { return s.nextID }

// RecordCount returns the number of records written or found by a scan.
func (s *Store) RecordCount() uint32 { return s.total }

// Entries returns a copy of the cache, oldest first.
func (s *Store) Entries() []Entry { return s.cache.snapshot() }

// WriteStatus prints a summary of the store state.
func (s *Store) WriteStatus(w io.Writer) error {
	if !s.initialized {
		_, err := fmt.Fprintln(w, "Flash store: not initialized")
		return err
	}
	info, _ := s.StorageInfo()
	_, err := fmt.Fprintf(w, `=== Flash Status ===
Initialized:        yes
Total records:      %d
Next record ID:     %d
Next write address: 0x%06X
Used space:         %d bytes
Free space:         %d bytes
Cache entries:      %d/%d
`, info.Records, s.nextID, s.nextAddr, info.Used, info.Free, s.cache.len(), s.cfg.CacheCapacity)
	return err
}

// WriteCacheStatus prints every cached entry.
func (s *Store) WriteCacheStatus(w io.Writer) error {
	var first uint32
	if s.cache.len() > 0 {
		first = s.cache.entries[0].ID
	}
	if _, err := fmt.Fprintf(w, "=== Cache Status ===\nCache count:    %d\nCache start ID: %d\n", s.cache.len(), first); err != nil {
		return err
	}
	for i, e := range s.cache.entries {
		if _, err := fmt.Fprintf(w, "Cache[%d]: ID=%d, Addr=0x%06X, Len=%d\n", i, e.ID, e.Address, e.Length); err != nil {
			return err
		}
	}
	return nil
}
