package recstore

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/bigbag/flashlog/internal/crc16"
)

func TestHeader_MarshalBinary(t *testing.T) {
	h := Header{Magic: HeaderMagic, ID: 0x01020304, Length: 3, CRC: 0xBEEF}
	got, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	want := []byte{0xAA, 0x55, 0x04, 0x03, 0x02, 0x01, 0x03, 0x00, 0x00, 0x00, 0xEF, 0xBE}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalBinary() = % X, want % X", got, want)
	}

	var back Header
	if err := back.UnmarshalBinary(got); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if back != h {
		t.Errorf("UnmarshalBinary() = %+v, want %+v", back, h)
	}
}

func TestHeader_UnmarshalShort(t *testing.T) {
	var h Header
	if err := h.UnmarshalBinary(make([]byte, HeaderSize-1)); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("UnmarshalBinary(short) error = %v, want ErrInvalidParam", err)
	}
}

func TestEntry_MarshalBinary(t *testing.T) {
	e := Entry{ID: 7, Address: 0x040000, Length: 1024}
	b, _ := e.MarshalBinary()
	if len(b) != EntrySize {
		t.Fatalf("MarshalBinary() length = %d, want %d", len(b), EntrySize)
	}
	got, ok := decodeEntry(b)
	if !ok || got != e {
		t.Errorf("decodeEntry() = %+v, %v, want %+v", got, ok, e)
	}

	b[0], b[1] = b[1], b[0]
	if _, ok := decodeEntry(b); ok {
		t.Error("decodeEntry() accepted a byte-swapped magic")
	}
	if _, ok := decodeEntry(bytes.Repeat([]byte{0xFF}, EntrySize)); ok {
		t.Error("decodeEntry() accepted erased flash")
	}
}

func TestHeader_Plausible(t *testing.T) {
	tests := []struct {
		h    Header
		want bool
	}{
		{Header{Magic: HeaderMagic, Length: 1}, true},
		{Header{Magic: HeaderMagic, Length: MaxPayload}, true},
		{Header{Magic: HeaderMagic, Length: 0}, false},
		{Header{Magic: HeaderMagic, Length: MaxPayload + 1}, false},
		{Header{Magic: 0xAA55, Length: 10}, false},
		{Header{Magic: 0xFFFF, Length: 0xFFFFFFFF}, false},
	}
	for _, tt := range tests {
		if got := tt.h.plausible(); got != tt.want {
			t.Errorf("%+v.plausible() = %v, want %v", tt.h, got, tt.want)
		}
	}
}

func TestVerifyHeader(t *testing.T) {
	data := []byte("payload")
	good := Header{Magic: HeaderMagic, ID: 1, Length: uint32(len(data)), CRC: crc16.CCITT(data)}
	if err := VerifyHeader(good, data); err != nil {
		t.Errorf("VerifyHeader(good) error = %v", err)
	}

	bad := []Header{
		{Magic: 0xAA55, ID: 1, Length: good.Length, CRC: good.CRC},
		{Magic: HeaderMagic, ID: 1, Length: good.Length + 1, CRC: good.CRC},
		{Magic: HeaderMagic, ID: 1, Length: good.Length, CRC: good.CRC ^ 1},
	}
	for _, h := range bad {
		if err := VerifyHeader(h, data); !errors.Is(err, ErrCrc) {
			t.Errorf("VerifyHeader(%+v) error = %v, want ErrCrc", h, err)
		}
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ in, want uint32 }{
		{0x40000, 0x40000},
		{0x40001, 0x41000},
		{0x4000C + 1024, 0x41000},
		{0x40FFF, 0x41000},
		{0x41000, 0x41000},
	}
	for _, tt := range tests {
		if got := alignUp(tt.in); got != tt.want {
			t.Errorf("alignUp(0x%X) = 0x%X, want 0x%X", tt.in, got, tt.want)
		}
	}
}

func TestDefaultLayout(t *testing.T) {
	l := DefaultLayout()
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if l.DataStart() != 0x40000 || l.DataEnd() != 0x800000 || l.DataSize() != 0x7C0000 {
		t.Errorf("layout = start 0x%X end 0x%X size 0x%X", l.DataStart(), l.DataEnd(), l.DataSize())
	}
	if DefaultCacheCapacity*EntrySize > int(l.IndexAreaSize) {
		t.Error("default cache does not fit the index area")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindOK},
		{ErrInit, KindInit},
		{fmt.Errorf("read 0x000000: %w", ErrRead), KindRead},
		{fmt.Errorf("erase: %w: %w", ErrErase, ErrRead), KindErase},
		{fmt.Errorf("program: %w: %w", ErrWrite, ErrInit), KindInit},
		{&CorruptError{ID: 1, Reason: "x"}, KindCrc},
		{fmt.Errorf("record 3: %w", ErrNotFound), KindNotFound},
		{ErrFull, KindFull},
		{ErrInvalidParam, KindInvalidParam},
		{ErrMemory, KindMemory},
		{errors.New("other"), KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestKind_String(t *testing.T) {
	if KindNotFound.String() != "not found" {
		t.Errorf("KindNotFound.String() = %q", KindNotFound.String())
	}
	if Kind(99).String() != "unknown" {
		t.Errorf("Kind(99).String() = %q", Kind(99).String())
	}
	// values are stable exit codes
	if KindInit != 1 || KindMemory != 9 {
		t.Errorf("KindInit = %d, KindMemory = %d", KindInit, KindMemory)
	}
}

func TestCorruptError(t *testing.T) {
	err := error(&CorruptError{ID: 5, Address: 0x41000, Reason: "bad header magic 0xFFFF"})
	if err.Error() != "record 5 at 0x041000: bad header magic 0xFFFF" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrCrc) {
		t.Error("CorruptError does not match ErrCrc")
	}
}
