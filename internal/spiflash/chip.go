// Package spiflash drives a W25Q-series SPI NOR flash chip over an abstract
// chip-select gated bus.
//
// A Chip is not safe for concurrent use. Every primitive busy-polls the
// device and returns once it is ready or the poll budget is spent.
package spiflash

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config holds the driver configuration.
type Config struct {
	// ExpectedID is the JEDEC ID the device must report.
	ExpectedID uint32

	// Clock provides ticks and delays (optional, defaults to the system clock)
	Clock Clock

	// Logger receives driver diagnostics (optional)
	Logger *slog.Logger

	// Tick is the delay between two status polls
	Tick time.Duration

	// TransportRetries bounds status-read transfer failures inside one wait
	TransportRetries int

	// ResetSettle is the delay after a soft reset before the ID is re-read
	ResetSettle time.Duration

	// OnTransition is called on every state change (optional)
	OnTransition TransitionFunc
}

func defaultConfig() Config {
	return Config{
		ExpectedID:       JEDECWinbondW25Q64,
		Clock:            SystemClock(),
		Logger:           slog.New(slog.DiscardHandler),
		Tick:             time.Millisecond,
		TransportRetries: 10,
		ResetSettle:      50 * time.Millisecond,
	}
}

// Option is a functional option for configuring the Chip.
type Option func(*Config)

// WithExpectedID sets the JEDEC ID accepted by Probe and by recovery.
func WithExpectedID(id uint32) Option {
	return func(c *Config) {
		c.ExpectedID = id
	}
}

// WithClock replaces the tick source and delay primitive.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

// WithLogger sets the logger for driver diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithTick sets the delay between status polls.
func WithTick(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Tick = d
		}
	}
}

// WithTransitionHook registers a callback for state changes.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(c *Config) {
		c.OnTransition = fn
	}
}

// Chip is a W25Q-series flash device behind a Bus.
type Chip struct {
	bus   Bus
	cfg   Config
	clock Clock
	log   *slog.Logger

	state State
	stats Stats
	id    uint32
}

// New creates a Chip on the given bus. The chip starts Uninitialized; call
// Probe before any block operation.
func New(bus Bus, opts ...Option) *Chip {
	if bus == nil {
		panic("bus cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Chip{
		bus:   bus,
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger,
	}
}

// State returns the current driver state.
func (c *Chip) State() State { return c.state }

// Stats returns a copy of the recovery counters.
func (c *Chip) Stats() Stats { return c.stats }

// ID returns the JEDEC ID read by the last successful Probe.
func (c *Chip) ID() uint32 { return c.id }

// Probe waits for the device, reads its JEDEC ID and moves the chip to Ready.
// A missing or foreign device leaves the chip Faulted.
func (c *Chip) Probe() error {
	c.transition(StateInitializing)

	if err := c.WaitForReady(TimeoutDefault); err != nil {
		c.transition(StateFaulted)
		return fmt.Errorf("probe: %w: %w", ErrInit, err)
	}

	id, err := c.ReadJEDECID()
	if err != nil {
		c.transition(StateFaulted)
		return fmt.Errorf("probe: %w: %w", ErrInit, err)
	}
	if id != c.cfg.ExpectedID {
		c.transition(StateFaulted)
		return fmt.Errorf("probe: %w: %w", ErrInit, &IDMismatchError{Expected: c.cfg.ExpectedID, Actual: id})
	}

	c.id = id
	c.transition(StateReady)
	c.log.Info("flash ready", "jedec_id", fmt.Sprintf("0x%06X", id))
	return nil
}

// Release returns the chip to Uninitialized.
func (c *Chip) Release() {
	c.transition(StateUninitialized)
}

// transact runs one command frame: cmd and data are clocked out, then len(r)
// bytes are clocked in. Chip select is released on every return path.
func (c *Chip) transact(cmd, data, r []byte) (err error) {
	if err = c.bus.Select(); err != nil {
		// Select may have failed after driving the line; release it anyway.
		_ = c.bus.Deselect()
		return err
	}
	defer func() {
		if dErr := c.bus.Deselect(); dErr != nil && err == nil {
			err = dErr
		}
	}()

	if err = c.bus.Tx(cmd, nil); err != nil {
		return err
	}
	if len(data) > 0 {
		if err = c.bus.Tx(data, nil); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		err = c.bus.Tx(make([]byte, len(r)), r)
	}
	return err
}

// ReadStatus reads status register 1.
func (c *Chip) ReadStatus() (StatusRegister, error) {
	var buf [1]byte
	if err := c.transact([]byte{cmdReadStatus}, nil, buf[:]); err != nil {
		return 0, err
	}
	return StatusRegister(buf[0]), nil
}

// WriteEnable sets the write-enable latch.
func (c *Chip) WriteEnable() error {
	return c.transact([]byte{cmdWriteEnable}, nil, nil)
}

// ReadJEDECID returns the manufacturer and device ID as 0xMMTTCC.
func (c *Chip) ReadJEDECID() (uint32, error) {
	var buf [3]byte
	if err := c.transact([]byte{cmdReadJEDECID}, nil, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), nil
}

// WaitForReady polls the status register up to ticks times, one tick apart,
// until BUSY clears. A status stuck at BUSY|WEL for more than a fifth of the
// budget triggers a soft reset instead of waiting out the timeout; a
// successful reset counts as ready.
func (c *Chip) WaitForReady(ticks int) error {
	if ticks <= 0 {
		ticks = TimeoutDefault
	}
	stuckLimit := ticks / 5

	failures := 0
	stuck := 0
	for i := 0; i < ticks; {
		sr, err := c.ReadStatus()
		if err != nil {
			failures++
			c.log.Error("status read failed", "retry", failures, "err", err)
			if failures > c.cfg.TransportRetries {
				return fmt.Errorf("wait for ready: %w: %w", ErrRead, err)
			}
			c.clock.Sleep(10 * c.cfg.Tick)
			continue
		}

		if sr == StatusStuck {
			stuck++
		} else {
			stuck = 0
		}
		if stuck > stuckLimit {
			c.log.Warn("stuck programming state, forcing reset", "status", sr.String(), "polls", i)
			c.stats.StuckResets++
			if err := c.recoverWith(c.ForceReset); err == nil {
				return nil
			} else if isIDMismatch(err) {
				return fmt.Errorf("wait for ready: %w", err)
			}
			c.log.Error("reset failed, continuing to poll")
			stuck = 0
		}

		if !sr.Busy() {
			return nil
		}

		c.clock.Sleep(c.cfg.Tick)
		i++
	}

	c.stats.Timeouts++
	c.log.Error("wait for ready timed out", "ticks", ticks)
	if err := c.recoverWith(c.ForceReset); err != nil {
		c.log.Error("reset after timeout failed", "err", err)
	}
	return fmt.Errorf("wait for ready: %w: %w", ErrRead, ErrTimeout)
}

// ForceReset issues the enable-reset/reset pair, waits for the device to
// settle and confirms its identity. An unexpected ID is a hard error.
func (c *Chip) ForceReset() error {
	c.stats.Resets++
	c.log.Warn("forcing flash reset")

	// Give a possibly wedged transfer time to drain with CS high.
	if err := c.bus.Deselect(); err != nil {
		return fmt.Errorf("reset: %w: %w", ErrRead, err)
	}
	c.clock.Sleep(10 * c.cfg.Tick)

	if err := c.transact([]byte{cmdEnableReset}, nil, nil); err != nil {
		return fmt.Errorf("reset enable: %w: %w", ErrRead, err)
	}
	c.clock.Sleep(c.cfg.Tick)
	if err := c.transact([]byte{cmdReset}, nil, nil); err != nil {
		return fmt.Errorf("reset execute: %w: %w", ErrRead, err)
	}
	c.clock.Sleep(c.cfg.ResetSettle)

	if err := c.verifyID(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.log.Info("flash reset completed")
	return nil
}

// ResetBusAndVerify reinitializes the link after a transfer fault: the bus is
// reset if it supports it, the device is released from power-down, and its
// identity is confirmed once it reports ready.
func (c *Chip) ResetBusAndVerify() error {
	c.stats.Recoveries++
	c.log.Warn("resetting flash bus")

	if r, ok := c.bus.(BusResetter); ok {
		if err := r.ResetBus(); err != nil {
			return fmt.Errorf("bus reset: %w: %w", ErrRead, err)
		}
	}
	if err := c.bus.Deselect(); err != nil {
		return fmt.Errorf("bus reset: %w: %w", ErrRead, err)
	}
	c.clock.Sleep(10 * c.cfg.Tick)

	if err := c.transact([]byte{cmdReleasePowerDown}, nil, nil); err != nil {
		return fmt.Errorf("release power-down: %w: %w", ErrRead, err)
	}
	c.clock.Sleep(10 * c.cfg.Tick)

	if err := c.WaitForReady(TimeoutDefault); err != nil {
		return fmt.Errorf("bus reset: %w", err)
	}
	if err := c.verifyID(); err != nil {
		return fmt.Errorf("bus reset: %w", err)
	}
	c.log.Info("flash bus recovered")
	return nil
}

func (c *Chip) verifyID() error {
	id, err := c.ReadJEDECID()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRead, err)
	}
	if id != c.cfg.ExpectedID {
		return fmt.Errorf("%w: %w", ErrInit, &IDMismatchError{Expected: c.cfg.ExpectedID, Actual: id})
	}
	return nil
}

func isIDMismatch(err error) bool {
	var mismatch *IDMismatchError
	return errors.As(err, &mismatch)
}
