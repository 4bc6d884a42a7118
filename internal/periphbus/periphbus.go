// Package periphbus connects the flash driver to a host SPI controller
// through periph.io: a Linux spidev port or an FTDI FT232H, with chip select
// on a GPIO so one command frame can span several transfers.
package periphbus

import (
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/bigbag/flashlog/internal/spiflash"
)

// PortFTDI selects the first FT232H-class FTDI adapter instead of a spidev
// port.
const PortFTDI = "ftdi"

// FTDI USB IDs.
const (
	ftdiVendorID   = 0x0403
	ftdiFT232H     = 0x6014
	ftdiFT2232H    = 0x6010
	defaultSpeedHz = 1_000_000
)

// Config describes the SPI port.
type Config struct {
	// Port is a spireg name such as "/dev/spidev0.0" or "SPI0.0", or PortFTDI.
	Port string
	// CSPin is the gpioreg name of the chip-select GPIO. For FTDI adapters
	// it may be left empty to use ADBUS4.
	CSPin string
	// SpeedHz is the SPI clock.
	SpeedHz int64
	// Mode is the SPI mode, 0 to 3.
	Mode int
}

// Bus is a spiflash.Bus over a periph.io SPI connection.
type Bus struct {
	conn  spi.Conn
	cs    gpio.PinOut
	port  io.Closer
	maxTx int
}

var (
	_ spiflash.Bus = (*Bus)(nil)
	_ io.Closer    = (*Bus)(nil)
)

// New wraps an already connected SPI connection and a chip-select pin. The
// connection must have been set up with spi.NoCS.
func New(c spi.Conn, cs gpio.PinOut) *Bus {
	b := &Bus{conn: c, cs: cs}
	if l, ok := c.(conn.Limits); ok {
		b.maxTx = l.MaxTxSize()
	}
	return b
}

// Open initializes the host drivers and connects to the configured port.
func Open(cfg Config) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host initialization failed: %w", err)
	}
	if cfg.SpeedHz <= 0 {
		cfg.SpeedHz = defaultSpeedHz
	}
	if cfg.Mode < 0 || cfg.Mode > 3 {
		return nil, fmt.Errorf("invalid SPI mode %d", cfg.Mode)
	}

	var (
		port spi.PortCloser
		cs   gpio.PinIO
		err  error
	)
	if cfg.Port == PortFTDI {
		port, cs, err = openFTDI(cfg.CSPin)
	} else {
		port, err = spireg.Open(cfg.Port)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CSPin != "" {
		if cs = gpioreg.ByName(cfg.CSPin); cs == nil {
			port.Close()
			return nil, fmt.Errorf("chip-select pin %q not found", cfg.CSPin)
		}
	}
	if cs == nil {
		port.Close()
		return nil, errors.New("no chip-select pin configured")
	}

	freq := physic.Frequency(cfg.SpeedHz) * physic.Hertz
	c, err := port.Connect(freq, spi.Mode(cfg.Mode)|spi.NoCS, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("SPI connection failed: %w", err)
	}

	b := New(c, cs)
	b.port = port
	if err := b.Deselect(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to release chip select: %w", err)
	}
	return b, nil
}

func openFTDI(csName string) (spi.PortCloser, gpio.PinIO, error) {
	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != ftdiVendorID || (info.DevID != ftdiFT232H && info.DevID != ftdiFT2232H) {
			continue
		}
		ft, ok := dev.(*ftdi.FT232H)
		if !ok {
			continue
		}
		port, err := ft.SPI()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get SPI port: %w", err)
		}
		var cs gpio.PinIO
		if csName == "" {
			cs = ft.D4
		}
		return port, cs, nil
	}
	return nil, nil, errors.New("FTDI FT232H device not found")
}

// Select drives chip select low.
func (b *Bus) Select() error {
	return b.cs.Out(gpio.Low)
}

// Deselect drives chip select high.
func (b *Bus) Deselect() error {
	return b.cs.Out(gpio.High)
}

// Tx runs a full-duplex transfer, split to the driver's size limit.
func (b *Bus) Tx(w, r []byte) error {
	if r == nil {
		r = make([]byte, len(w))
	}
	if len(r) != len(w) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(w), len(r))
	}
	for len(w) > 0 {
		n := len(w)
		if b.maxTx > 0 && n > b.maxTx {
			n = b.maxTx
		}
		if err := b.conn.Tx(w[:n], r[:n]); err != nil {
			return fmt.Errorf("SPI transaction failed: %w", err)
		}
		w, r = w[n:], r[n:]
	}
	return nil
}

// Close releases the SPI port when the Bus opened it.
func (b *Bus) Close() error {
	if b.port == nil {
		return nil
	}
	return b.port.Close()
}
