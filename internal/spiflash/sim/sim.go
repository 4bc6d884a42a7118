// Package sim is a software W25Q64 that implements spiflash.Bus.
//
// It decodes command frames the way the chip does: program operations can
// only clear bits, erases fill with 0xFF, every program or erase keeps BUSY
// set for a number of status polls, and commands other than status reads and
// reset are ignored while the device is busy. Faults can be injected to
// exercise the driver's recovery paths.
package sim

import (
	"errors"
	"fmt"
	"os"

	"github.com/bigbag/flashlog/internal/spiflash"
)

// DefaultSize is the capacity of a W25Q64.
const DefaultSize = 8 * 1024 * 1024

// ErrInjected is returned by transfers failed through InjectFaults.
var ErrInjected = errors.New("sim: injected transfer fault")

// Latency is the number of status polls each operation keeps BUSY set.
type Latency struct {
	Program     int
	SectorErase int
	BlockErase  int
}

// Chip is a simulated SPI NOR flash device.
type Chip struct {
	mem     []byte
	id      uint32
	latency Latency

	selected  bool
	frame     []byte
	status    spiflash.StatusRegister
	busyPolls int
	armed     bool // enable-reset seen
	powerDown bool

	// fault injection
	stuck       bool
	skipTx      int
	failTx      int
	idAfterBoot uint32

	stats Stats

	path string
}

// Stats counts what the device has seen.
type Stats struct {
	Selects   int
	Deselects int
	Transfers int
	Programs  int
	Erases    int
	Resets    int
	BusResets int
	Faults    int
}

// New returns an erased device of the given size reporting the W25Q64 ID.
func New(size int) *Chip {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &Chip{
		mem: mem,
		id:  spiflash.JEDECWinbondW25Q64,
		latency: Latency{
			Program:     2,
			SectorErase: 5,
			BlockErase:  10,
		},
	}
}

// Open loads a flash image from path, creating an erased one of the given
// size when the file does not exist. Sync writes the contents back.
func Open(path string, size int) (*Chip, error) {
	c := New(size)
	c.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("image %s is %d bytes, want %d", path, len(data), size)
	}
	copy(c.mem, data)
	return c, nil
}

// Sync writes the image back to the file it was opened from.
func (c *Chip) Sync() error {
	if c.path == "" {
		return nil
	}
	if err := os.WriteFile(c.path, c.mem, 0o644); err != nil {
		return fmt.Errorf("failed to write image %s: %w", c.path, err)
	}
	return nil
}

// Close syncs the image.
func (c *Chip) Close() error {
	return c.Sync()
}

// SetID changes the JEDEC ID the device reports.
func (c *Chip) SetID(id uint32) { c.id = id }

// SetIDAfterReset makes the device report id after its next soft reset.
func (c *Chip) SetIDAfterReset(id uint32) { c.idAfterBoot = id }

// SetLatency changes how many status polls operations stay busy.
func (c *Chip) SetLatency(l Latency) { c.latency = l }

// SetStuck wedges the status register at BUSY|WEL until the next reset.
func (c *Chip) SetStuck(stuck bool) { c.stuck = stuck }

// SetBusy keeps BUSY set, without WEL, for the next polls status reads.
func (c *Chip) SetBusy(polls int) {
	c.status &^= spiflash.StatusWEL
	c.busyPolls = polls
}

// InjectFaults lets skip transfers through and then fails the next count.
func (c *Chip) InjectFaults(skip, count int) {
	c.skipTx = skip
	c.failTx = count
}

// ResetBus records a link reset; the simulated link has no framing to
// resynchronize, so chip select is simply released.
func (c *Chip) ResetBus() error {
	c.stats.BusResets++
	c.selected = false
	c.frame = c.frame[:0]
	return nil
}

// Selected reports whether chip select is currently asserted.
func (c *Chip) Selected() bool { return c.selected }

// Stats returns the device counters.
func (c *Chip) Stats() Stats { return c.stats }

// Size returns the device capacity in bytes.
func (c *Chip) Size() int { return len(c.mem) }

// Bytes exposes the raw array for inspection and corruption in tests.
func (c *Chip) Bytes() []byte { return c.mem }

// Select asserts chip select and starts a new frame.
func (c *Chip) Select() error {
	c.stats.Selects++
	c.selected = true
	c.frame = c.frame[:0]
	return nil
}

// Deselect releases chip select; program, erase and control commands take
// effect here, as on the real device.
func (c *Chip) Deselect() error {
	c.stats.Deselects++
	if !c.selected {
		return nil
	}
	c.selected = false
	c.execute()
	return nil
}

// Tx clocks w into the device and the device's output into r.
func (c *Chip) Tx(w, r []byte) error {
	if !c.selected {
		return errors.New("sim: transfer without chip select")
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("sim: tx/rx length mismatch: %d != %d", len(w), len(r))
	}
	c.stats.Transfers++

	if c.skipTx > 0 {
		c.skipTx--
	} else if c.failTx > 0 {
		c.failTx--
		c.stats.Faults++
		return ErrInjected
	}

	for i, b := range w {
		out := c.clock(b)
		if r != nil {
			r[i] = out
		}
	}
	return nil
}

// clock shifts one byte in and returns the byte shifted out.
func (c *Chip) clock(in byte) byte {
	pos := len(c.frame)
	c.frame = append(c.frame, in)
	if pos == 0 || (c.powerDown && c.frame[0] != spiflash.CmdReleasePowerDown) {
		return 0xFF
	}

	switch c.frame[0] {
	case spiflash.CmdReadStatus:
		return c.pollStatus()
	case spiflash.CmdReadJEDECID:
		if pos <= 3 {
			return byte(c.id >> (8 * (3 - pos)))
		}
	case spiflash.CmdRead:
		if pos >= 4 && !c.busy() {
			addr := (frameAddr(c.frame) + pos - 4) % len(c.mem)
			return c.mem[addr]
		}
	}
	return 0xFF
}

func (c *Chip) busy() bool {
	return c.stuck || c.busyPolls > 0
}

func (c *Chip) pollStatus() byte {
	if c.stuck {
		return byte(spiflash.StatusStuck)
	}
	sr := c.status
	if c.busyPolls > 0 {
		sr |= spiflash.StatusBusy
		c.busyPolls--
		if c.busyPolls == 0 {
			c.status &^= spiflash.StatusWEL
		}
	}
	return byte(sr)
}

func frameAddr(frame []byte) int {
	return int(frame[1])<<16 | int(frame[2])<<8 | int(frame[3])
}

func (c *Chip) execute() {
	if len(c.frame) == 0 {
		return
	}
	op := c.frame[0]

	switch op {
	case spiflash.CmdEnableReset:
		c.armed = true
		return
	case spiflash.CmdReset:
		if c.armed {
			c.reset()
		}
		c.armed = false
		return
	}
	c.armed = false

	if op == spiflash.CmdReleasePowerDown {
		c.powerDown = false
		return
	}

	if c.powerDown || c.busy() {
		return
	}

	switch op {
	case spiflash.CmdPowerDown:
		c.powerDown = true
	case spiflash.CmdWriteEnable:
		c.status |= spiflash.StatusWEL
	case spiflash.CmdPageProgram:
		if len(c.frame) < 4 || !c.status.WriteEnabled() {
			return
		}
		c.program(frameAddr(c.frame), c.frame[4:])
		c.begin(c.latency.Program)
	case spiflash.CmdSectorErase:
		if len(c.frame) < 4 || !c.status.WriteEnabled() {
			return
		}
		c.erase(frameAddr(c.frame), spiflash.SectorSize)
		c.begin(c.latency.SectorErase)
	case spiflash.CmdBlockErase:
		if len(c.frame) < 4 || !c.status.WriteEnabled() {
			return
		}
		c.erase(frameAddr(c.frame), spiflash.BlockSize)
		c.begin(c.latency.BlockErase)
	}
}

// begin starts a timed operation; WEL clears when BUSY does.
func (c *Chip) begin(polls int) {
	if polls <= 0 {
		c.status &^= spiflash.StatusWEL
		return
	}
	c.busyPolls = polls
}

// program ANDs data into one page, wrapping at the page end.
func (c *Chip) program(addr int, data []byte) {
	if len(data) > spiflash.PageSize {
		data = data[len(data)-spiflash.PageSize:]
	}
	base := addr &^ (spiflash.PageSize - 1)
	off := addr & (spiflash.PageSize - 1)
	for i, b := range data {
		a := (base + (off+i)%spiflash.PageSize) % len(c.mem)
		c.mem[a] &= b
	}
	c.stats.Programs++
}

func (c *Chip) erase(addr, unit int) {
	base := (addr &^ (unit - 1)) % len(c.mem)
	end := base + unit
	if end > len(c.mem) {
		end = len(c.mem)
	}
	for i := base; i < end; i++ {
		c.mem[i] = 0xFF
	}
	c.stats.Erases++
}

func (c *Chip) reset() {
	c.stats.Resets++
	c.stuck = false
	c.busyPolls = 0
	c.status = 0
	c.powerDown = false
	if c.idAfterBoot != 0 {
		c.id = c.idAfterBoot
		c.idAfterBoot = 0
	}
}
