package periphbus

import (
	"bytes"
	"errors"
	"testing"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

// echoConn records every transfer and answers with the bitwise complement of
// what was written.
type echoConn struct {
	limit int
	txs   [][]byte
	err   error
}

func (c *echoConn) String() string { return "echo" }
func (c *echoConn) Duplex() conn.Duplex { return conn.Full }
func (c *echoConn) TxPackets([]spi.Packet) error { return errors.New("not supported") }
func (c *echoConn) MaxTxSize() int { return c.limit }

func (c *echoConn) Tx(w, r []byte) error {
	if c.err != nil {
		return c.err
	}
	if len(w) != len(r) {
		return errors.New("length mismatch")
	}
	c.txs = append(c.txs, bytes.Clone(w))
	for i, b := range w {
		r[i] = ^b
	}
	return nil
}

func TestBus_ChipSelect(t *testing.T) {
	pin := &gpiotest.Pin{N: "CS", L: gpio.High}
	b := New(&echoConn{}, pin)

	if err := b.Select(); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if pin.L != gpio.Low {
		t.Errorf("CS after Select = %v, want Low", pin.L)
	}
	if err := b.Deselect(); err != nil {
		t.Fatalf("Deselect() error = %v", err)
	}
	if pin.L != gpio.High {
		t.Errorf("CS after Deselect = %v, want High", pin.L)
	}
}

func TestBus_TxSplitsAtDriverLimit(t *testing.T) {
	c := &echoConn{limit: 4}
	b := New(c, &gpiotest.Pin{N: "CS"})

	w := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	r := make([]byte, len(w))
	if err := b.Tx(w, r); err != nil {
		t.Fatalf("Tx() error = %v", err)
	}
	if len(c.txs) != 3 {
		t.Errorf("transfers = %d, want 3", len(c.txs))
	}
	for i := range w {
		if r[i] != ^w[i] {
			t.Fatalf("r[%d] = 0x%02X, want 0x%02X", i, r[i], ^w[i])
		}
	}
}

func TestBus_TxWriteOnly(t *testing.T) {
	c := &echoConn{}
	b := New(c, &gpiotest.Pin{N: "CS"})
	if err := b.Tx([]byte{0x9F}, nil); err != nil {
		t.Fatalf("Tx(w, nil) error = %v", err)
	}
	if len(c.txs) != 1 || c.txs[0][0] != 0x9F {
		t.Errorf("transfers = %v", c.txs)
	}
	if err := b.Tx([]byte{1, 2}, make([]byte, 1)); err == nil {
		t.Error("Tx() with mismatched buffers expected error")
	}
}

func TestBus_TxError(t *testing.T) {
	boom := errors.New("boom")
	b := New(&echoConn{err: boom}, &gpiotest.Pin{N: "CS"})
	if err := b.Tx([]byte{1}, nil); !errors.Is(err, boom) {
		t.Errorf("Tx() error = %v, want wrapped boom", err)
	}
}

func TestBus_CloseWithoutPort(t *testing.T) {
	b := New(&echoConn{}, &gpiotest.Pin{N: "CS"})
	if err := b.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
