package modbuspush

import (
	"errors"
	"testing"

	"github.com/bigbag/flashlog/internal/crc16"
	"github.com/bigbag/flashlog/internal/recstore"
)

type write struct {
	addr uint16
	qty  uint16
	data []byte
}

type fakeClient struct {
	writes []write
	err    error
}

func (c *fakeClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.writes = append(c.writes, write{address, quantity, append([]byte(nil), value...)})
	return nil, nil
}

func TestRegisters(t *testing.T) {
	r := recstore.Record{ID: 0x00010002, Data: []byte{0xAB, 0xCD, 0xEF}}
	got := Registers(r)
	want := []uint16{3, 0x0001, 0x0002, crc16.CCITT(r.Data), 0xABCD, 0xEF00}

	if len(got) != len(want) {
		t.Fatalf("Registers() = %04X, want %04X", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Registers()[%d] = 0x%04X, want 0x%04X", i, got[i], want[i])
		}
	}
}

func TestPublish_SingleWrite(t *testing.T) {
	c := &fakeClient{}
	p := New(c, 100)

	if err := p.Publish(recstore.Record{ID: 5, Data: []byte{0x12, 0x34}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(c.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(c.writes))
	}
	w := c.writes[0]
	if w.addr != 100 || w.qty != 5 {
		t.Errorf("write = addr %d qty %d, want 100/5", w.addr, w.qty)
	}
	// Length register first, big-endian.
	if w.data[0] != 0x00 || w.data[1] != 0x02 {
		t.Errorf("length register bytes = % X, want 00 02", w.data[:2])
	}
	if w.data[8] != 0x12 || w.data[9] != 0x34 {
		t.Errorf("payload bytes = % X, want 12 34", w.data[8:10])
	}
}

func TestPublish_SplitsLargeRecords(t *testing.T) {
	c := &fakeClient{}
	p := New(c, 0)

	data := make([]byte, recstore.MaxPayload)
	if err := p.Publish(recstore.Record{ID: 1, Data: data}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	total := headerRegisters + len(data)/2
	wantWrites := (total + MaxWriteRegisters - 1) / MaxWriteRegisters
	if len(c.writes) != wantWrites {
		t.Fatalf("writes = %d, want %d", len(c.writes), wantWrites)
	}
	next := uint16(0)
	sum := 0
	for i, w := range c.writes {
		if w.addr != next {
			t.Errorf("write %d addr = %d, want %d", i, w.addr, next)
		}
		if w.qty > MaxWriteRegisters || int(w.qty)*2 != len(w.data) {
			t.Errorf("write %d qty = %d with %d bytes", i, w.qty, len(w.data))
		}
		next += w.qty
		sum += int(w.qty)
	}
	if sum != total {
		t.Errorf("registers written = %d, want %d", sum, total)
	}
}

func TestPublish_Errors(t *testing.T) {
	boom := errors.New("exception 2")
	p := New(&fakeClient{err: boom}, 0)
	if err := p.Publish(recstore.Record{ID: 1, Data: []byte{1}}); !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want wrapped client error", err)
	}

	p = New(&fakeClient{}, 0xFFFE)
	if err := p.Publish(recstore.Record{ID: 1, Data: []byte{1}}); err == nil {
		t.Error("Publish() past the register space expected error")
	}
}

func TestDial_RequiresEndpoint(t *testing.T) {
	if _, err := Dial(Config{}); err == nil {
		t.Error("Dial() without endpoint expected error")
	}
}

func TestClose_WithoutDial(t *testing.T) {
	if err := New(&fakeClient{}, 0).Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
