// Package detect finds USB-serial SPI bridges and identifies the flash chip
// behind them.
package detect

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigbag/flashlog/internal/bridge"
	"github.com/bigbag/flashlog/internal/serial"
	"github.com/bigbag/flashlog/internal/spiflash"
)

const (
	syncAttempts = 5
	bootSettle   = 200 * time.Millisecond
)

// Result represents a detected bridge and its flash chip.
type Result struct {
	Port     string
	JEDECID  uint32
	ChipName string
}

// ChipName returns a human-readable name for a JEDEC ID.
func ChipName(id uint32) string {
	switch id {
	case 0xEF4016:
		return "Winbond W25Q32"
	case spiflash.JEDECWinbondW25Q64:
		return "Winbond W25Q64"
	case 0xEF4018:
		return "Winbond W25Q128"
	case 0xC84017:
		return "GigaDevice GD25Q64"
	case 0x000000, 0xFFFFFF:
		return "no flash"
	default:
		return "unknown"
	}
}

// DetectDevice tries the ports whose USB IDs look like a bridge first, then
// every other port, and returns the first one that answers.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := candidatePorts()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no SPI bridge found (last error: %w)", lastErr)
	}
	return nil, errors.New("no SPI bridge found")
}

// DetectOnPort tries to detect a bridge on a specific port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(portName, baudRate)
}

// ListDevices scans all ports and returns every bridge that answers.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := candidatePorts()
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, portName := range ports {
		if result, err := tryPort(portName, baudRate); err == nil {
			results = append(results, *result)
		}
	}
	return results, nil
}

func candidatePorts() ([]string, error) {
	infos, err := serial.ListUSB()
	if err != nil {
		// Enumeration is not available everywhere; fall back to names.
		ports, lErr := serial.ListPorts()
		if lErr != nil {
			return nil, fmt.Errorf("failed to list ports: %w", lErr)
		}
		infos = make([]serial.PortInfo, len(ports))
		for i, name := range ports {
			infos[i] = serial.PortInfo{Name: name}
		}
	}
	if len(infos) == 0 {
		return nil, errors.New("no serial ports found")
	}
	return orderPorts(infos), nil
}

// orderPorts puts known bridge adapters first, keeping the platform order
// otherwise.
func orderPorts(infos []serial.PortInfo) []string {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Bridge() {
			names = append(names, info.Name)
		}
	}
	for _, info := range infos {
		if !info.Bridge() {
			names = append(names, info.Name)
		}
	}
	return names
}

func tryPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate, 0)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	if err := port.ResetDevice(bootSettle); err != nil {
		return nil, fmt.Errorf("failed to reset: %w", err)
	}

	id, err := Identify(bridge.New(port, bridge.WithTimeout(200*time.Millisecond)))
	if err != nil {
		return nil, err
	}
	return &Result{Port: portName, JEDECID: id, ChipName: ChipName(id)}, nil
}

// Identify synchronizes with a bridge and reads the JEDEC ID of the chip
// behind it.
func Identify(b *bridge.Bridge) (uint32, error) {
	if err := syncWithBridge(b); err != nil {
		return 0, fmt.Errorf("failed to sync: %w", err)
	}
	id, err := spiflash.New(b).ReadJEDECID()
	if err != nil {
		return 0, fmt.Errorf("failed to read JEDEC ID: %w", err)
	}
	return id, nil
}

func syncWithBridge(b *bridge.Bridge) error {
	var err error
	for attempt := 0; attempt < syncAttempts; attempt++ {
		if err = b.Ping(); err == nil {
			return nil
		}
		// A half-received frame from before the reset would poison the
		// next reply; start the link over.
		_ = b.ResetBus()
	}
	return fmt.Errorf("sync failed after %d attempts: %w", syncAttempts, err)
}
