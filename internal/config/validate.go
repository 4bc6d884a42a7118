package config

import (
	"fmt"
	"strings"
)

const (
	sectorSize   = 4 * 1024
	addressLimit = 1 << 24
	entrySize    = 18
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// ------------------------------------------------------------
	// DEVICE
	// ------------------------------------------------------------

	switch strings.ToLower(cfg.Device.Backend) {
	case BackendImage:
		if cfg.Device.Image == "" {
			return fmt.Errorf("device.image is required for backend %q", BackendImage)
		}
	case BackendSPIDev:
		if cfg.Device.SPI.Port == "" {
			return fmt.Errorf("device.spi.port is required for backend %q", BackendSPIDev)
		}
		if cfg.Device.SPI.Mode < 0 || cfg.Device.SPI.Mode > 3 {
			return fmt.Errorf("device.spi.mode %d out of range 0-3", cfg.Device.SPI.Mode)
		}
		if cfg.Device.SPI.SpeedHz < 0 {
			return fmt.Errorf("device.spi.speed_hz must not be negative")
		}
	case BackendBridge:
		if cfg.Device.Bridge.Baud < 0 {
			return fmt.Errorf("device.bridge.baud must not be negative")
		}
	default:
		return fmt.Errorf("device.backend %q: want image, spidev or bridge", cfg.Device.Backend)
	}
	if cfg.Device.JEDECID > 0xFFFFFF {
		return fmt.Errorf("device.jedec_id 0x%X does not fit in 24 bits", cfg.Device.JEDECID)
	}

	// ------------------------------------------------------------
	// STORE GEOMETRY
	// ------------------------------------------------------------

	s := cfg.Store
	if s.TotalSize == 0 || s.TotalSize > addressLimit || s.TotalSize%sectorSize != 0 {
		return fmt.Errorf("store.total_size %d must be a non-zero multiple of %d up to %d",
			s.TotalSize, sectorSize, addressLimit)
	}
	if s.IndexAreaSize == 0 || s.IndexAreaSize%sectorSize != 0 {
		return fmt.Errorf("store.index_area_size %d must be a non-zero multiple of %d",
			s.IndexAreaSize, sectorSize)
	}
	if s.IndexAreaSize >= s.TotalSize {
		return fmt.Errorf("store.index_area_size %d leaves no data area in %d bytes",
			s.IndexAreaSize, s.TotalSize)
	}
	if s.CacheCapacity < 0 {
		return fmt.Errorf("store.cache_capacity must not be negative")
	}
	if uint64(s.CacheCapacity)*entrySize > uint64(s.IndexAreaSize) {
		return fmt.Errorf("store.cache_capacity %d does not fit in a %d-byte index area",
			s.CacheCapacity, s.IndexAreaSize)
	}
	if s.StatusIntervalMs < 0 {
		return fmt.Errorf("store.status_interval_ms must not be negative")
	}

	// ------------------------------------------------------------
	// LOG
	// ------------------------------------------------------------

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", cfg.Log.Format)
	}

	// ------------------------------------------------------------
	// EXPORT
	// ------------------------------------------------------------

	if cfg.Export.Modbus.TimeoutMs < 0 {
		return fmt.Errorf("export.modbus.timeout_ms must not be negative")
	}

	return nil
}
