package spiflash

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the chip driver.
var (
	ErrInit         = errors.New("flash: device not initialized")
	ErrRead         = errors.New("flash: read failed")
	ErrWrite        = errors.New("flash: write failed")
	ErrErase        = errors.New("flash: erase failed")
	ErrInvalidParam = errors.New("flash: invalid parameter")
	ErrTimeout      = errors.New("flash: timeout waiting for ready")
)

// IDMismatchError reports a device that answered with an unexpected JEDEC ID.
type IDMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *IDMismatchError) Error() string {
	return fmt.Sprintf("JEDEC ID mismatch: expected 0x%06X, got 0x%06X", e.Expected, e.Actual)
}
