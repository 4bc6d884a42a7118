// Package config loads the flashlog YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/flashlog/embedded"
)

// Backends.
const (
	BackendImage  = "image"
	BackendSPIDev = "spidev"
	BackendBridge = "bridge"

	// SPIPortFTDI selects an FT232H adapter instead of a spidev port.
	SPIPortFTDI = "ftdi"
)

type Config struct {
	Device DeviceConfig `yaml:"device"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Export ExportConfig `yaml:"export"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Backend string       `yaml:"backend"`
	Image   string       `yaml:"image"`
	JEDECID uint32       `yaml:"jedec_id"`
	SPI     SPIConfig    `yaml:"spi"`
	Bridge  BridgeConfig `yaml:"bridge"`
}

type SPIConfig struct {
	Port    string `yaml:"port"` // spireg name, or "ftdi"
	CSPin   string `yaml:"cs_pin"`
	SpeedHz int64  `yaml:"speed_hz"`
	Mode    int    `yaml:"mode"`
}

type BridgeConfig struct {
	Port      string `yaml:"port"` // empty = autodetect
	Baud      int    `yaml:"baud"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// ---- STORE ----

type StoreConfig struct {
	TotalSize        uint32 `yaml:"total_size"`
	IndexAreaSize    uint32 `yaml:"index_area_size"`
	CacheCapacity    int    `yaml:"cache_capacity"`
	StatusIntervalMs int    `yaml:"status_interval_ms"`
}

// ---- LOG ----

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---- EXPORT ----

type ExportConfig struct {
	SQLite string       `yaml:"sqlite"`
	Modbus ModbusConfig `yaml:"modbus"`
}

type ModbusConfig struct {
	Endpoint  string `yaml:"endpoint"`
	UnitID    uint8  `yaml:"unit_id"`
	Address   uint16 `yaml:"address"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Timeout returns the bridge response timeout.
func (b BridgeConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// StatusInterval returns the period of the owner's status log.
func (s StoreConfig) StatusInterval() time.Duration {
	return time.Duration(s.StatusIntervalMs) * time.Millisecond
}

// Timeout returns the Modbus request timeout.
func (m ModbusConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := decode(embedded.DefaultConfig(), cfg); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	return cfg, nil
}

// Load reads path over the defaults: keys missing from the file keep their
// default values. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := decode(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document leaves cfg untouched.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
