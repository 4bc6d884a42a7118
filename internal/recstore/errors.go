package recstore

import (
	"errors"
	"fmt"

	"github.com/bigbag/flashlog/internal/spiflash"
)

// Error kinds. The transport kinds are the driver's own sentinels, so a
// single errors.Is check works whichever layer produced the error.
var (
	ErrInit         = spiflash.ErrInit
	ErrRead         = spiflash.ErrRead
	ErrWrite        = spiflash.ErrWrite
	ErrErase        = spiflash.ErrErase
	ErrInvalidParam = spiflash.ErrInvalidParam
	ErrCrc          = errors.New("store: integrity check failed")
	ErrNotFound     = errors.New("store: record not found")
	ErrFull         = errors.New("store: data area full")
	ErrMemory       = errors.New("store: cache does not fit the index area")
)

// CorruptError describes a record whose header or payload failed
// verification. It matches ErrCrc.
type CorruptError struct {
	ID      uint32
	Address uint32
	Reason  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("record %d at 0x%06X: %s", e.ID, e.Address, e.Reason)
}

func (e *CorruptError) Unwrap() error { return ErrCrc }

// Kind classifies an error returned by the store.
type Kind int

// Kind values are stable; the CLI uses them as exit codes.
const (
	KindOK Kind = iota
	KindInit
	KindRead
	KindWrite
	KindErase
	KindCrc
	KindNotFound
	KindFull
	KindInvalidParam
	KindMemory
	KindUnknown
)

var kindNames = [...]string{
	KindOK:           "ok",
	KindInit:         "init",
	KindRead:         "read",
	KindWrite:        "write",
	KindErase:        "erase",
	KindCrc:          "crc",
	KindNotFound:     "not found",
	KindFull:         "full",
	KindInvalidParam: "invalid parameter",
	KindMemory:       "memory",
	KindUnknown:      "unknown",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// kindOrder lists the sentinels from most to least specific. A failed erase
// usually also carries the read error of the wait that failed, and a device
// that changed identity is reported as Init whatever it was doing.
var kindOrder = []struct {
	err  error
	kind Kind
}{
	{ErrInit, KindInit},
	{ErrMemory, KindMemory},
	{ErrFull, KindFull},
	{ErrInvalidParam, KindInvalidParam},
	{ErrNotFound, KindNotFound},
	{ErrCrc, KindCrc},
	{ErrErase, KindErase},
	{ErrWrite, KindWrite},
	{ErrRead, KindRead},
}

// KindOf maps err to its Kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}
