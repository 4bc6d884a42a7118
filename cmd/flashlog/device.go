package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/bigbag/flashlog/internal/bridge"
	"github.com/bigbag/flashlog/internal/config"
	"github.com/bigbag/flashlog/internal/detect"
	"github.com/bigbag/flashlog/internal/periphbus"
	"github.com/bigbag/flashlog/internal/recstore"
	"github.com/bigbag/flashlog/internal/serial"
	"github.com/bigbag/flashlog/internal/spiflash"
	"github.com/bigbag/flashlog/internal/spiflash/sim"
)

// device is an initialized store on an open backend.
type device struct {
	name    string
	chip    *spiflash.Chip
	store   *recstore.Store
	closers []func() error
}

// Close releases the chip and closes the backend. It does not save the
// index; commands that modify the store have saved it already.
func (d *device) Close() error {
	d.chip.Release()
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// openDevice opens the configured backend and initializes the store on it.
func (a *app) openDevice() (*device, error) {
	d := &device{}
	bus, opts, err := a.openBus(d)
	if err != nil {
		closeAll(d.closers)
		return nil, err
	}

	opts = append(opts,
		spiflash.WithExpectedID(a.cfg.Device.JEDECID),
		spiflash.WithLogger(a.log),
	)
	d.chip = spiflash.New(bus, opts...)

	store, err := recstore.New(d.chip,
		recstore.WithLayout(recstore.Layout{
			TotalSize:     a.cfg.Store.TotalSize,
			IndexAreaSize: a.cfg.Store.IndexAreaSize,
		}),
		recstore.WithCacheCapacity(a.cfg.Store.CacheCapacity),
		recstore.WithLogger(a.log),
		recstore.WithProgress(a.scanProgress()),
	)
	if err != nil {
		closeAll(d.closers)
		return nil, err
	}
	d.store = store

	if err := store.Init(); err != nil {
		d.Close()
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	return d, nil
}

func (a *app) openBus(d *device) (spiflash.Bus, []spiflash.Option, error) {
	dc := a.cfg.Device
	switch dc.Backend {
	case config.BackendImage:
		img, err := sim.Open(dc.Image, int(a.cfg.Store.TotalSize))
		if err != nil {
			return nil, nil, err
		}
		d.name = "image:" + dc.Image
		d.closers = append(d.closers, img.Close)
		// The simulated chip counts busy time in polls; no need to sleep.
		return img, []spiflash.Option{spiflash.WithClock(sim.NewClock())}, nil

	case config.BackendSPIDev:
		bus, err := periphbus.Open(periphbus.Config{
			Port:    dc.SPI.Port,
			CSPin:   dc.SPI.CSPin,
			SpeedHz: dc.SPI.SpeedHz,
			Mode:    dc.SPI.Mode,
		})
		if err != nil {
			return nil, nil, err
		}
		d.name = "spidev:" + dc.SPI.Port
		d.closers = append(d.closers, bus.Close)
		return bus, nil, nil

	case config.BackendBridge:
		portName := dc.Bridge.Port
		if portName == "" {
			fmt.Fprintln(a.errOut, "Detecting SPI bridge...")
			result, err := detect.DetectDevice(dc.Bridge.Baud)
			if err != nil {
				return nil, nil, fmt.Errorf("bridge detection failed: %w", err)
			}
			portName = result.Port
			fmt.Fprintf(a.errOut, "Found %s on %s\n", result.ChipName, result.Port)
		}
		port, err := serial.Open(portName, dc.Bridge.Baud, 0)
		if err != nil {
			return nil, nil, err
		}
		d.name = "bridge:" + portName
		d.closers = append(d.closers, port.Close)

		b := bridge.New(port,
			bridge.WithTimeout(dc.Bridge.Timeout()),
			bridge.WithLogger(a.log))
		if err := b.Ping(); err != nil {
			return nil, nil, fmt.Errorf("bridge on %s not responding: %w", portName, err)
		}
		return b, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", dc.Backend)
}

func closeAll(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// withDevice opens the device, runs fn and closes the device again.
func (a *app) withDevice(fn func(d *device) error) error {
	d, err := a.openDevice()
	if err != nil {
		return err
	}
	err = fn(d)
	if cErr := d.Close(); cErr != nil && err == nil {
		err = cErr
	}
	return err
}

// scanProgress returns a store progress callback that draws a bar on the
// first report of a scan and finishes it on the last.
func (a *app) scanProgress() recstore.ProgressFunc {
	var bar *progressbar.ProgressBar
	return func(done, total uint32) {
		if bar == nil {
			bar = a.newBar(int64(total), "Scanning", true)
		}
		bar.Set64(int64(done))
		if done >= total {
			bar.Finish()
			bar = nil
		}
	}
}

func (a *app) newBar(max int64, desc string, bytes bool) *progressbar.ProgressBar {
	return progressbar.NewOptions64(max,
		progressbar.OptionSetWriter(a.errOut),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(bytes),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
