// Package bridge drives a SPI flash through a USB-serial bridge: a small
// microcontroller that owns the SPI pins and executes Select, Deselect and
// Transfer requests sent as SLIP-framed, CRC-checked packets.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigbag/flashlog/internal/spiflash"
)

// DefaultTimeout bounds the wait for one response.
const DefaultTimeout = 500 * time.Millisecond

// ErrTimeout is returned when the bridge does not answer in time.
var ErrTimeout = errors.New("bridge: timeout waiting for response")

// pingPattern is echoed back by a live bridge. It contains both SLIP special
// bytes so a ping also checks the escaping path.
var pingPattern = []byte{'F', 'L', 'O', 'G', End, Esc}

// Port is the serial link to the bridge. A Read that returns 0 bytes and no
// error is a read timeout, as with go.bug.st/serial.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
}

// Bridge is a spiflash.Bus that forwards each call as one request packet.
type Bridge struct {
	port    Port
	timeout time.Duration
	log     *slog.Logger
	buf     []byte
	chunk   []byte
}

var (
	_ spiflash.Bus         = (*Bridge)(nil)
	_ spiflash.BusResetter = (*Bridge)(nil)
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the per-response timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger for dropped frames and link resets.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.log = logger
		}
	}
}

// New returns a Bridge talking over port.
func New(port Port, opts ...Option) *Bridge {
	b := &Bridge{
		port:    port,
		timeout: DefaultTimeout,
		log:     slog.New(slog.DiscardHandler),
		chunk:   make([]byte, 256),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ping checks that the bridge is alive and echoes payloads intact.
func (b *Bridge) Ping() error {
	echo, err := b.roundTrip(CmdPing, pingPattern)
	if err != nil {
		return err
	}
	if !bytes.Equal(echo, pingPattern) {
		return fmt.Errorf("bridge ping: unexpected echo % X", echo)
	}
	return nil
}

// Select asks the bridge to drive chip select low.
func (b *Bridge) Select() error {
	_, err := b.roundTrip(CmdSelect, nil)
	return err
}

// Deselect asks the bridge to drive chip select high.
func (b *Bridge) Deselect() error {
	_, err := b.roundTrip(CmdDeselect, nil)
	return err
}

// Tx runs a full-duplex transfer in packets of at most MaxTransfer bytes.
func (b *Bridge) Tx(w, r []byte) error {
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(w), len(r))
	}
	for off := 0; off < len(w); off += MaxTransfer {
		end := min(off+MaxTransfer, len(w))
		in, err := b.roundTrip(CmdTransfer, w[off:end])
		if err != nil {
			return err
		}
		if len(in) != end-off {
			return fmt.Errorf("bridge transfer: got %d bytes, want %d", len(in), end-off)
		}
		if r != nil {
			copy(r[off:end], in)
		}
	}
	return nil
}

// ResetBus drops buffered input, resets the bridge's SPI peripheral and
// confirms the link with a ping.
func (b *Bridge) ResetBus() error {
	b.buf = b.buf[:0]
	if err := b.port.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if _, err := b.roundTrip(CmdReset, nil); err != nil {
		return err
	}
	if err := b.Ping(); err != nil {
		return err
	}
	b.log.Info("bridge link reset")
	return nil
}

func (b *Bridge) roundTrip(cmd byte, data []byte) ([]byte, error) {
	req := &Request{Command: cmd, Data: data}
	if _, err := b.port.Write(EncodeFrame(req.Encode())); err != nil {
		return nil, fmt.Errorf("bridge write: %w", err)
	}
	resp, err := b.readResponse(cmd)
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return nil, &StatusError{Command: cmd, Status: resp.Status}
	}
	return resp.Data, nil
}

// readResponse returns the next response to cmd. Frames answering other
// commands are stale replies from an earlier timeout and are skipped.
func (b *Bridge) readResponse(cmd byte) (*Response, error) {
	deadline := time.Now().Add(b.timeout)
	for {
		frame, rest := SplitFrame(b.buf)
		if frame != nil {
			data, err := DecodeFrame(frame)
			b.buf = append(b.buf[:0], rest...)
			if err != nil {
				return nil, fmt.Errorf("bridge response: %w", err)
			}
			resp, err := DecodeResponse(data)
			if err != nil {
				return nil, fmt.Errorf("bridge response: %w", err)
			}
			if resp.Command == cmd {
				return resp, nil
			}
			b.log.Debug("dropping stale bridge response", "cmd", resp.Command, "want", cmd)
			continue
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w (command 0x%02X)", ErrTimeout, cmd)
		}
		n, err := b.port.Read(b.chunk)
		if err != nil {
			return nil, fmt.Errorf("bridge read: %w", err)
		}
		b.buf = append(b.buf, b.chunk[:n]...)
	}
}
