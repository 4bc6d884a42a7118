package spiflash

import "fmt"

func (c *Chip) checkReady() error {
	if c.state != StateReady {
		return fmt.Errorf("%w (state %s)", ErrInit, c.state)
	}
	return nil
}

func checkRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > AddressLimit {
		return fmt.Errorf("%w: range 0x%06X+%d exceeds 24-bit address space", ErrInvalidParam, addr, n)
	}
	return nil
}

// ReadAt fills p with the bytes stored at addr.
//
// A status register stuck at BUSY|WEL is reset before reading. A transfer
// fault triggers one bus reset and one retry; a second fault surfaces as
// ErrRead.
func (c *Chip) ReadAt(p []byte, addr uint32) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if err := checkRange(addr, len(p)); err != nil {
		return err
	}

	if sr, err := c.ReadStatus(); err == nil && sr == StatusStuck {
		c.log.Warn("programming state before read, forcing reset", "addr", fmt.Sprintf("0x%06X", addr))
		c.stats.StuckResets++
		if err := c.recoverWith(c.ForceReset); err != nil {
			return fmt.Errorf("read 0x%06X: %w", addr, err)
		}
	}

	cmd := addressed(cmdRead, addr)
	err := c.transact(cmd, nil, p)
	if err == nil {
		c.log.Debug("flash read", "addr", fmt.Sprintf("0x%06X", addr), "len", len(p))
		return nil
	}

	c.log.Error("read transfer failed", "addr", fmt.Sprintf("0x%06X", addr), "len", len(p), "err", err)
	if rErr := c.recoverWith(c.ResetBusAndVerify); rErr != nil {
		return fmt.Errorf("read 0x%06X: %w: %w", addr, ErrRead, rErr)
	}

	c.stats.Retries++
	c.log.Info("retrying read after recovery", "addr", fmt.Sprintf("0x%06X", addr))
	if err := c.transact(cmd, nil, p); err != nil {
		return fmt.Errorf("read 0x%06X after recovery: %w: %w", addr, ErrRead, err)
	}
	return nil
}

// WritePage programs up to one page. The data must not cross a page
// boundary; the device would wrap it onto the start of the page.
func (c *Chip) WritePage(addr uint32, data []byte) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if len(data) > PageSize {
		return fmt.Errorf("%w: page write of %d bytes exceeds page size %d", ErrInvalidParam, len(data), PageSize)
	}
	if int(addr%PageSize)+len(data) > PageSize {
		return fmt.Errorf("%w: page write at 0x%06X crosses a page boundary", ErrInvalidParam, addr)
	}
	if err := checkRange(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if err := c.prepareWrite(); err != nil {
		return fmt.Errorf("prepare program: %w: %w", ErrWrite, err)
	}
	if err := c.transact(addressed(cmdPageProgram, addr), data, nil); err != nil {
		return fmt.Errorf("page program 0x%06X: %w: %w", addr, ErrWrite, err)
	}
	if err := c.WaitForReady(TimeoutPageProgram); err != nil {
		return fmt.Errorf("wait after program: %w: %w", ErrWrite, err)
	}
	return nil
}

// Program writes data starting at addr, splitting it at page boundaries.
// The target range must already be erased.
func (c *Chip) Program(addr uint32, data []byte) error {
	for len(data) > 0 {
		n := PageSize - int(addr%PageSize)
		if n > len(data) {
			n = len(data)
		}
		if err := c.WritePage(addr, data[:n]); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

// EraseRange erases size bytes from addr, using 64KB block erases where the
// range allows it and 4KB sector erases for the rest. Both addr and size must
// be sector aligned.
func (c *Chip) EraseRange(addr, size uint32) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if size == 0 || addr%SectorSize != 0 || size%SectorSize != 0 {
		return fmt.Errorf("%w: erase 0x%06X+%d is not sector aligned", ErrInvalidParam, addr, size)
	}
	if err := checkRange(addr, int(size)); err != nil {
		return err
	}

	for size > 0 {
		op, unit, ticks := byte(cmdSectorErase), uint32(SectorSize), TimeoutSectorErase
		if size >= BlockSize && addr%BlockSize == 0 {
			op, unit, ticks = cmdBlockErase, BlockSize, TimeoutBlockErase
		}
		if err := c.eraseUnit(op, addr, ticks); err != nil {
			return err
		}
		addr += unit
		size -= unit
	}
	return nil
}

func (c *Chip) eraseUnit(op byte, addr uint32, ticks int) error {
	if err := c.prepareWrite(); err != nil {
		return fmt.Errorf("prepare erase: %w: %w", ErrErase, err)
	}
	if err := c.transact(addressed(op, addr), nil, nil); err != nil {
		return fmt.Errorf("erase 0x%06X: %w: %w", addr, ErrErase, err)
	}
	if err := c.WaitForReady(ticks); err != nil {
		return fmt.Errorf("wait after erase: %w: %w", ErrErase, err)
	}
	c.log.Debug("flash erase", "addr", fmt.Sprintf("0x%06X", addr), "opcode", fmt.Sprintf("0x%02X", op))
	return nil
}

// prepareWrite sets the write-enable latch and waits for the device. A reset
// during the wait clears the latch, as does a device that was still busy
// when the enable was sent, so it is set again when missing.
func (c *Chip) prepareWrite() error {
	if err := c.WriteEnable(); err != nil {
		return err
	}
	if err := c.WaitForReady(TimeoutDefault); err != nil {
		return err
	}
	sr, err := c.ReadStatus()
	if err != nil {
		return err
	}
	if !sr.WriteEnabled() {
		c.log.Warn("write enable latch not set, retrying", "status", sr.String())
		return c.WriteEnable()
	}
	return nil
}
