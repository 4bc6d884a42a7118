package spiflash

import "time"

// Bus is a blocking, full-duplex byte transport gated by a chip-select line.
//
// Select drives chip select low and Deselect drives it high. Tx clocks out w
// and, when r is non-nil, stores the bytes clocked in during the same
// transfer into r; r must then be the same length as w. A command frame is
// one Select, any number of Tx calls, and one Deselect.
type Bus interface {
	Select() error
	Deselect() error
	Tx(w, r []byte) error
}

// BusResetter is implemented by buses that can reinitialize their link, for
// example a serial bridge that has to resynchronize its framing. It is called
// before the chip is re-probed during recovery.
type BusResetter interface {
	ResetBus() error
}

// Clock is the tick source and delay primitive used by the poll loops.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}
