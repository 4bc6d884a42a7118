package config

import "strings"

// Defaults used where a value is left at zero.
const (
	DefaultCacheCapacity    = 200
	DefaultStatusIntervalMs = 10_000
	DefaultBaud             = 115200
	DefaultBridgeTimeoutMs  = 500
	DefaultSPISpeedHz       = 1_000_000
	DefaultModbusTimeoutMs  = 1000
	DefaultJEDECID          = 0xEF4017
	DefaultSPICSPin         = "GPIO8"
)

// Normalize applies post-validation normalization.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Device.Backend = strings.ToLower(cfg.Device.Backend)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if cfg.Device.JEDECID == 0 {
		cfg.Device.JEDECID = DefaultJEDECID
	}
	// An FT232H brings its own chip-select pin; only spidev ports need a
	// host GPIO.
	if strings.EqualFold(cfg.Device.SPI.Port, SPIPortFTDI) {
		cfg.Device.SPI.Port = SPIPortFTDI
	} else if cfg.Device.SPI.CSPin == "" {
		cfg.Device.SPI.CSPin = DefaultSPICSPin
	}
	if cfg.Device.SPI.SpeedHz == 0 {
		cfg.Device.SPI.SpeedHz = DefaultSPISpeedHz
	}
	if cfg.Device.Bridge.Baud == 0 {
		cfg.Device.Bridge.Baud = DefaultBaud
	}
	if cfg.Device.Bridge.TimeoutMs == 0 {
		cfg.Device.Bridge.TimeoutMs = DefaultBridgeTimeoutMs
	}
	if cfg.Store.CacheCapacity == 0 {
		cfg.Store.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.Store.StatusIntervalMs == 0 {
		cfg.Store.StatusIntervalMs = DefaultStatusIntervalMs
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Export.Modbus.TimeoutMs == 0 {
		cfg.Export.Modbus.TimeoutMs = DefaultModbusTimeoutMs
	}
}
