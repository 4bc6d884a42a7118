// Package recstore is an append-only record store on SPI NOR flash.
//
// Records are written forward through the data area, one per erase sector,
// each a header followed by its payload. A bounded RAM cache maps the most
// recent record ids to their addresses and is persisted to the index area
// after every store. When the persisted index is missing or inconsistent the
// cache is rebuilt by scanning the data area.
//
// A Store is not safe for concurrent use. At most one operation may be in
// flight; wrap the Store in an Owner to share it between goroutines.
package recstore

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/bigbag/flashlog/internal/crc16"
	"github.com/bigbag/flashlog/internal/spiflash"
)

// Device is the block interface the store needs from a flash chip.
// *spiflash.Chip implements it.
type Device interface {
	Probe() error
	Release()
	ReadAt(p []byte, addr uint32) error
	Program(addr uint32, data []byte) error
	EraseRange(addr, size uint32) error
}

var _ Device = (*spiflash.Chip)(nil)

// Record is one payload read back from the data area.
type Record struct {
	ID      uint32
	Address uint32
	Data    []byte
}

// Store is the record store.
type Store struct {
	dev   Device
	cfg   Config
	log   *slog.Logger
	cache *cache

	initialized bool
	nextID      uint32
	nextAddr    uint32
	total       uint32
}

// New creates a Store on dev. Nothing touches the device until Init.
func New(dev Device, opts ...Option) (*Store, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidParam)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.CacheCapacity <= 0 {
		return nil, fmt.Errorf("%w: cache capacity %d", ErrInvalidParam, cfg.CacheCapacity)
	}
	if uint64(cfg.CacheCapacity)*EntrySize > uint64(cfg.Layout.IndexAreaSize) {
		return nil, fmt.Errorf("%w: %d entries need %d bytes, index area is %d",
			ErrMemory, cfg.CacheCapacity, cfg.CacheCapacity*EntrySize, cfg.Layout.IndexAreaSize)
	}

	s := &Store{
		dev:   dev,
		cfg:   cfg,
		log:   cfg.Logger,
		cache: newCache(cfg.CacheCapacity),
	}
	s.resetState()
	return s, nil
}

func (s *Store) resetState() {
	s.nextID = 1
	s.nextAddr = s.cfg.Layout.DataStart()
	s.total = 0
	s.cache.reset()
}

// Init probes the device and rebuilds the cache from the persisted index,
// falling back to a scan of the data area. Calling Init on an initialized
// store is a no-op.
func (s *Store) Init() error {
	if s.initialized {
		s.log.Warn("store already initialized")
		return nil
	}

	s.log.Info("initializing flash store")
	if err := s.dev.Probe(); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	s.resetState()
	if err := s.loadIndex(); err != nil {
		s.log.Warn("failed to load index, scanning data area", "err", err)
		if err := s.scan(); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	if s.total > 0 {
		s.log.Info("found existing records", "records", s.total, "next_id", s.nextID)
	} else {
		s.log.Info("no existing records, starting fresh")
	}
	s.initialized = true
	s.log.Info("flash store initialized",
		"records", s.total,
		"next_id", s.nextID,
		"next_addr", fmt.Sprintf("0x%06X", s.nextAddr))
	return nil
}

// DeInit saves the index and releases the device. The store is
// uninitialized afterwards even if the save fails.
func (s *Store) DeInit() error {
	if !s.initialized {
		return nil
	}

	err := s.saveIndex()
	if err != nil {
		s.log.Error("failed to save index on shutdown", "err", err)
	}
	s.initialized = false
	s.dev.Release()
	s.log.Info("flash store deinitialized")
	return err
}

// Initialized reports whether Init has succeeded.
func (s *Store) Initialized() bool { return s.initialized }

// Layout returns the device address map.
func (s *Store) Layout() Layout { return s.cfg.Layout }

// CacheCapacity returns how many records stay queryable.
func (s *Store) CacheCapacity() int { return s.cfg.CacheCapacity }

func (s *Store) checkInit() error {
	if !s.initialized {
		return fmt.Errorf("%w: store", ErrInit)
	}
	return nil
}

// StoreData appends data as a new record and returns its id.
//
// The sector at the write cursor is erased, the header and payload are
// written and each is read back and compared. Only then are the cache, the
// counters and the cursor updated, so a failed store leaves them unchanged.
// The index is persisted before returning; if that fails the record is
// still stored and its id is returned with the error.
func (s *Store) StoreData(data []byte) (uint32, error) {
	if err := s.checkInit(); err != nil {
		return 0, err
	}
	if len(data) == 0 || len(data) > MaxPayload {
		return 0, fmt.Errorf("%w: payload length %d, want 1..%d", ErrInvalidParam, len(data), MaxPayload)
	}

	addr := s.nextAddr
	length := uint32(len(data))
	if uint64(addr)+HeaderSize+uint64(length) > uint64(s.cfg.Layout.DataEnd()) {
		s.log.Error("data area full", "next_addr", fmt.Sprintf("0x%06X", addr), "len", length)
		return 0, fmt.Errorf("store %d bytes at 0x%06X: %w", length, addr, ErrFull)
	}

	id := s.nextID
	h := Header{
		Magic:  HeaderMagic,
		ID:     id,
		Length: length,
		CRC:    crc16.CCITT(data),
	}

	sector := addr &^ (spiflash.SectorSize - 1)
	if err := s.dev.EraseRange(sector, spiflash.SectorSize); err != nil {
		return 0, fmt.Errorf("store %d: %w", id, err)
	}

	hb, _ := h.MarshalBinary()
	if err := s.dev.Program(addr, hb); err != nil {
		return 0, fmt.Errorf("store %d: write header: %w", id, err)
	}
	if err := s.verifyHeader(addr, h); err != nil {
		return 0, fmt.Errorf("store %d: %w", id, err)
	}

	payloadAddr := addr + HeaderSize
	if err := s.dev.Program(payloadAddr, data); err != nil {
		return 0, fmt.Errorf("store %d: write payload: %w", id, err)
	}
	if err := s.verifyPayload(id, payloadAddr, data); err != nil {
		return 0, fmt.Errorf("store %d: %w", id, err)
	}
	s.log.Debug("write verified", "id", id, "len", length)

	if s.cache.add(Entry{ID: id, Address: addr, Length: length}) {
		s.log.Debug("cache full, evicted oldest entry")
	}
	s.nextID++
	s.total++
	s.nextAddr = alignUp(recordEnd(addr, length))

	s.log.Info("stored record", "id", id, "len", length, "addr", fmt.Sprintf("0x%06X", addr))

	if err := s.saveIndex(); err != nil {
		s.log.Error("failed to save index", "id", id, "err", err)
		return id, fmt.Errorf("store %d: %w", id, err)
	}
	return id, nil
}

func (s *Store) verifyHeader(addr uint32, want Header) error {
	var b [HeaderSize]byte
	if err := s.dev.ReadAt(b[:], addr); err != nil {
		return fmt.Errorf("read back header: %w", err)
	}
	var got Header
	_ = got.UnmarshalBinary(b[:])
	s.log.Debug("header verify",
		"magic", fmt.Sprintf("0x%04X", got.Magic),
		"id", got.ID)
	if got.Magic != want.Magic || got.ID != want.ID {
		return &CorruptError{
			ID:      want.ID,
			Address: addr,
			Reason:  fmt.Sprintf("header read back as magic 0x%04X id %d", got.Magic, got.ID),
		}
	}
	return nil
}

func (s *Store) verifyPayload(id, addr uint32, want []byte) error {
	got := make([]byte, len(want))
	if err := s.dev.ReadAt(got, addr); err != nil {
		return fmt.Errorf("read back payload: %w", err)
	}
	if bytes.Equal(got, want) {
		return nil
	}
	i := 0
	for got[i] == want[i] {
		i++
	}
	return &CorruptError{
		ID:      id,
		Address: addr,
		Reason:  fmt.Sprintf("payload byte %d written 0x%02X, read 0x%02X", i, want[i], got[i]),
	}
}

// ReadData returns the record with the given id. Only cached records can be
// read; an evicted or unknown id is ErrNotFound.
func (s *Store) ReadData(id uint32) (Record, error) {
	if err := s.checkInit(); err != nil {
		return Record{}, err
	}

	e, ok := s.cache.find(id)
	if !ok {
		s.log.Warn("record not in cache", "id", id)
		return Record{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return s.readEntry(e)
}

func (s *Store) readEntry(e Entry) (Record, error) {
	var hb [HeaderSize]byte
	if err := s.dev.ReadAt(hb[:], e.Address); err != nil {
		return Record{}, fmt.Errorf("record %d: read header: %w", e.ID, err)
	}
	var h Header
	_ = h.UnmarshalBinary(hb[:])
	s.log.Debug("read header", "id", e.ID, "raw", fmt.Sprintf("% X", hb[:]))

	if h.Magic != HeaderMagic {
		return Record{}, &CorruptError{ID: e.ID, Address: e.Address, Reason: fmt.Sprintf("bad header magic 0x%04X", h.Magic)}
	}
	if h.ID != e.ID {
		return Record{}, &CorruptError{ID: e.ID, Address: e.Address, Reason: fmt.Sprintf("header carries id %d", h.ID)}
	}
	if h.Length > MaxPayload {
		return Record{}, fmt.Errorf("record %d: %w: length %d exceeds %d", e.ID, ErrInvalidParam, h.Length, MaxPayload)
	}

	data := make([]byte, h.Length)
	if err := s.dev.ReadAt(data, e.Address+HeaderSize); err != nil {
		return Record{}, fmt.Errorf("record %d: read payload: %w", e.ID, err)
	}
	if reason := checkPayload(h, data); reason != "" {
		s.log.Error("corrupt record", "id", e.ID, "reason", reason)
		return Record{}, &CorruptError{ID: e.ID, Address: e.Address, Reason: reason}
	}

	s.log.Debug("read record", "id", e.ID, "len", h.Length)
	return Record{ID: e.ID, Address: e.Address, Data: data}, nil
}

// VerifyHeader checks that h is a data header describing payload.
func VerifyHeader(h Header, payload []byte) error {
	if reason := checkPayload(h, payload); reason != "" {
		return fmt.Errorf("%w: %s", ErrCrc, reason)
	}
	return nil
}

func checkPayload(h Header, payload []byte) string {
	switch {
	case h.Magic != HeaderMagic:
		return fmt.Sprintf("bad header magic 0x%04X", h.Magic)
	case h.Length != uint32(len(payload)):
		return fmt.Sprintf("header length %d, payload %d", h.Length, len(payload))
	}
	if crc := crc16.CCITT(payload); crc != h.CRC {
		return fmt.Sprintf("crc mismatch, stored 0x%04X, computed 0x%04X", h.CRC, crc)
	}
	return ""
}

// ReadLatest returns up to count of the most recent records, oldest first.
// Records that fail to read are skipped.
func (s *Store) ReadLatest(count int) ([]Record, error) {
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: count %d", ErrInvalidParam, count)
	}

	entries := s.cache.latest(count)
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		r, err := s.readEntry(e)
		if err != nil {
			s.log.Warn("skipping unreadable record", "id", e.ID, "err", err)
			continue
		}
		records = append(records, r)
	}
	s.log.Info("read latest records", "requested", count, "returned", len(records))
	return records, nil
}
