// Package serial wraps go.bug.st/serial for the USB-serial SPI bridge.
package serial

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultReadTimeout is the timeout of a single Read. A Read that times out
// returns 0 bytes and no error.
const DefaultReadTimeout = 50 * time.Millisecond

// Port is an open serial port in 8N1 mode.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate. A zero readTimeout
// selects DefaultReadTimeout.
func Open(portName string, baudRate int, readTimeout time.Duration) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// Flush discards unread input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// ResetDevice restarts the bridge microcontroller by pulsing DTR, which
// most USB-serial boards wire to the MCU reset line, then drops whatever it
// printed while booting.
func (p *Port) ResetDevice(settle time.Duration) error {
	if err := p.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(settle)
	return p.Flush()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// PortInfo describes one serial port.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// Bridge reports whether the port's USB IDs belong to an adapter commonly
// used as an SPI bridge.
func (i PortInfo) Bridge() bool {
	if !i.IsUSB {
		return false
	}
	return knownBridges[strings.ToUpper(i.VID)+":"+strings.ToUpper(i.PID)]
}

var knownBridges = map[string]bool{
	"2E8A:000A": true, // Raspberry Pi Pico (CDC)
	"2E8A:0005": true, // Raspberry Pi Pico (MicroPython)
	"303A:1001": true, // Espressif USB-Serial/JTAG
	"1A86:7523": true, // CH340
	"10C4:EA60": true, // CP210x
	"0403:6001": true, // FT232R
	"0483:5740": true, // STM32 virtual COM port
}

// ListUSB returns every serial port with USB details where the platform
// provides them.
func ListUSB() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate ports: %w", err)
	}
	infos := make([]PortInfo, 0, len(details))
	for _, d := range details {
		infos = append(infos, PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return infos, nil
}
