package recstore

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/flashlog/internal/spiflash"
)

// On-flash format. Every integer is little-endian.
//
//	DataHeader (12 bytes)            IndexEntry (18 bytes)
//	0  u16 magic 0x55AA              0  u16 magic 0xAA55
//	2  u32 record id                 2  u32 record id
//	6  u32 payload length            6  u32 header address
//	10 u16 payload CRC16             10 u32 payload length
//	                                 14 u16 crc, always 0
//	                                 16 u16 reserved, always 0
const (
	HeaderMagic = 0x55AA
	EntryMagic  = 0xAA55

	HeaderSize = 12
	EntrySize  = 18

	// MaxPayload is the largest payload a record can carry.
	MaxPayload = 1024

	DefaultCacheCapacity = 200
)

// Header precedes every payload in the data area.
type Header struct {
	Magic  uint16
	ID     uint32
	Length uint32
	CRC    uint16
}

// MarshalBinary encodes the header in its on-flash form.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	h.put(b)
	return b, nil
}

func (h Header) put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], h.Magic)
	binary.LittleEndian.PutUint32(b[2:], h.ID)
	binary.LittleEndian.PutUint32(b[6:], h.Length)
	binary.LittleEndian.PutUint16(b[10:], h.CRC)
}

// UnmarshalBinary decodes a header. It does not validate the magic.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, got %d", ErrInvalidParam, HeaderSize, len(b))
	}
	h.Magic = binary.LittleEndian.Uint16(b[0:])
	h.ID = binary.LittleEndian.Uint32(b[2:])
	h.Length = binary.LittleEndian.Uint32(b[6:])
	h.CRC = binary.LittleEndian.Uint16(b[10:])
	return nil
}

// plausible reports whether h can start a record.
func (h Header) plausible() bool {
	return h.Magic == HeaderMagic && h.Length > 0 && h.Length <= MaxPayload
}

// Entry locates one record: the id, the address of its header and the
// payload length. It is both the cache element and the persisted index slot.
type Entry struct {
	ID      uint32
	Address uint32
	Length  uint32
}

func (e Entry) put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], EntryMagic)
	binary.LittleEndian.PutUint32(b[2:], e.ID)
	binary.LittleEndian.PutUint32(b[6:], e.Address)
	binary.LittleEndian.PutUint32(b[10:], e.Length)
	binary.LittleEndian.PutUint16(b[14:], 0)
	binary.LittleEndian.PutUint16(b[16:], 0)
}

// MarshalBinary encodes the entry as an index slot.
func (e Entry) MarshalBinary() ([]byte, error) {
	b := make([]byte, EntrySize)
	e.put(b)
	return b, nil
}

// decodeEntry decodes one index slot; ok is false when the magic is wrong.
func decodeEntry(b []byte) (e Entry, ok bool) {
	if binary.LittleEndian.Uint16(b[0:]) != EntryMagic {
		return Entry{}, false
	}
	return Entry{
		ID:      binary.LittleEndian.Uint32(b[2:]),
		Address: binary.LittleEndian.Uint32(b[6:]),
		Length:  binary.LittleEndian.Uint32(b[10:]),
	}, true
}

// Layout partitions the device into the index area and the data area.
type Layout struct {
	TotalSize     uint32
	IndexAreaSize uint32
}

// DefaultLayout is the W25Q64 map: 256KB of index, the rest data.
func DefaultLayout() Layout {
	return Layout{
		TotalSize:     8 * 1024 * 1024,
		IndexAreaSize: 256 * 1024,
	}
}

func (l Layout) DataStart() uint32 { return l.IndexAreaSize }
func (l Layout) DataEnd() uint32   { return l.TotalSize }
func (l Layout) DataSize() uint32  { return l.TotalSize - l.IndexAreaSize }

// Validate checks that both areas are whole erase sectors and fit the bus.
func (l Layout) Validate() error {
	switch {
	case l.TotalSize == 0 || l.TotalSize > spiflash.AddressLimit:
		return fmt.Errorf("%w: total size %d outside 24-bit address space", ErrInvalidParam, l.TotalSize)
	case l.IndexAreaSize == 0 || l.IndexAreaSize >= l.TotalSize:
		return fmt.Errorf("%w: index area %d must be smaller than the device", ErrInvalidParam, l.IndexAreaSize)
	case l.TotalSize%spiflash.SectorSize != 0 || l.IndexAreaSize%spiflash.SectorSize != 0:
		return fmt.Errorf("%w: areas must be multiples of %d bytes", ErrInvalidParam, spiflash.SectorSize)
	}
	return nil
}

// recordEnd is the first byte after a record's payload.
func recordEnd(addr, length uint32) uint32 {
	return addr + HeaderSize + length
}

// alignUp rounds addr up to the next erase sector. Records never share a
// sector, so erasing the sector at the cursor cannot touch an older record.
func alignUp(addr uint32) uint32 {
	const mask = spiflash.SectorSize - 1
	return (addr + mask) &^ mask
}
