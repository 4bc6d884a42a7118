// Package modbuspush publishes flash records into the holding registers of a
// Modbus TCP device.
//
// A record occupies a contiguous register block starting at the configured
// address:
//
//	+0      payload length in bytes
//	+1, +2  record id, high word first
//	+3      CRC-16/CCITT of the payload
//	+4..    payload, two bytes per register, big-endian, last byte
//	        zero-padded
package modbuspush

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/bigbag/flashlog/internal/crc16"
	"github.com/bigbag/flashlog/internal/recstore"
)

// MaxWriteRegisters is the Modbus limit for one Write Multiple Registers
// request (function 0x10).
const MaxWriteRegisters = 123

// headerRegisters precede the payload words.
const headerRegisters = 4

// Client is the part of modbus.Client the publisher uses.
type Client interface {
	WriteMultipleRegisters(address, quantity uint16, value []byte) (results []byte, err error)
}

type Config struct {
	Endpoint string
	UnitID   uint8
	Address  uint16
	Timeout  time.Duration
}

// Publisher writes records to one register block.
type Publisher struct {
	mu      sync.Mutex
	client  Client
	address uint16
	closer  func() error
}

// New returns a Publisher that writes through client at address.
func New(client Client, address uint16) *Publisher {
	return &Publisher{client: client, address: address}
}

// Dial connects to a Modbus TCP endpoint.
func Dial(cfg Config) (*Publisher, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus push: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("modbus push: connect %s: %w", cfg.Endpoint, err)
	}

	p := New(modbus.NewClient(h), cfg.Address)
	p.closer = h.Close
	return p, nil
}

// Close closes the connection opened by Dial.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// Registers returns the register image of a record.
func Registers(r recstore.Record) []uint16 {
	regs := make([]uint16, headerRegisters, headerRegisters+(len(r.Data)+1)/2)
	regs[0] = uint16(len(r.Data))
	regs[1] = uint16(r.ID >> 16)
	regs[2] = uint16(r.ID)
	regs[3] = crc16.CCITT(r.Data)
	for i := 0; i < len(r.Data); i += 2 {
		w := uint16(r.Data[i]) << 8
		if i+1 < len(r.Data) {
			w |= uint16(r.Data[i+1])
		}
		regs = append(regs, w)
	}
	return regs
}

// Publish writes the record's register image, split into requests of at most
// MaxWriteRegisters registers.
func (p *Publisher) Publish(r recstore.Record) error {
	regs := Registers(r)
	if int(p.address)+len(regs) > 0x10000 {
		return fmt.Errorf("modbus push: record %d needs %d registers from %d, beyond the register space",
			r.ID, len(regs), p.address)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for off := 0; off < len(regs); off += MaxWriteRegisters {
		end := min(off+MaxWriteRegisters, len(regs))
		addr := p.address + uint16(off)
		qty := uint16(end - off)
		if _, err := p.client.WriteMultipleRegisters(addr, qty, packRegisters(regs[off:end])); err != nil {
			return fmt.Errorf("modbus push: record %d at register %d: %w", r.ID, addr, err)
		}
	}
	return nil
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
