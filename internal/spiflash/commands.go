package spiflash

import (
	"fmt"
	"strings"
)

// W25Q-series instruction set.
const (
	cmdWriteEnable      = 0x06
	cmdReadStatus       = 0x05
	cmdPageProgram      = 0x02
	cmdSectorErase      = 0x20 // 4KB
	cmdBlockErase       = 0xD8 // 64KB
	cmdRead             = 0x03
	cmdReadJEDECID      = 0x9F
	cmdReleasePowerDown = 0xAB
	cmdEnableReset      = 0x66
	cmdReset            = 0x99
)

// Exported so simulated devices can decode the same frames.
const (
	CmdWriteEnable      = cmdWriteEnable
	CmdReadStatus       = cmdReadStatus
	CmdPageProgram      = cmdPageProgram
	CmdSectorErase      = cmdSectorErase
	CmdBlockErase       = cmdBlockErase
	CmdRead             = cmdRead
	CmdReadJEDECID      = cmdReadJEDECID
	CmdReleasePowerDown = cmdReleasePowerDown
	CmdPowerDown        = 0xB9
	CmdEnableReset      = cmdEnableReset
	CmdReset            = cmdReset
)

// Geometry shared by the W25Q family.
const (
	PageSize   = 256
	SectorSize = 4 * 1024
	BlockSize  = 64 * 1024

	// AddressLimit is the first address that no longer fits in 24 bits.
	AddressLimit = 1 << 24
)

// JEDEC IDs.
const (
	JEDECWinbondW25Q64 = 0xEF4017
)

// Poll budgets in ticks for WaitForReady. The stuck-state threshold is a
// fifth of the budget.
const (
	TimeoutDefault     = 1000
	TimeoutPageProgram = 1000
	TimeoutSectorErase = 3000
	TimeoutBlockErase  = 10000
)

// StatusRegister is status register 1.
//
//	Bit | W25Q64
//	----+------------------------------
//	7   | SRP0: Status Register Protect
//	6   | SEC: Sector protect
//	5   | TB: Top/Bottom protect
//	4:2 | BP2-0: Block Protect
//	1   | WEL: Write Enable Latch
//	0   | BUSY: Erase/Write in progress
type StatusRegister byte

const (
	StatusBusy StatusRegister = 1 << 0
	StatusWEL  StatusRegister = 1 << 1

	// StatusStuck is what a chip wedged in a program cycle keeps reporting.
	StatusStuck = StatusBusy | StatusWEL
)

func (sr StatusRegister) Busy() bool         { return sr&StatusBusy != 0 }
func (sr StatusRegister) WriteEnabled() bool { return sr&StatusWEL != 0 }
func (sr StatusRegister) BlockProtect() byte { return byte(sr>>2) & 0x07 }
func (sr StatusRegister) Protected() bool    { return sr&(1<<7) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	var s []string
	if sr.Protected() {
		s = append(s, "SRP")
	}
	if sr&(1<<6) != 0 {
		s = append(s, "SEC")
	}
	if sr&(1<<5) != 0 {
		s = append(s, "TB")
	}
	if bp := sr.BlockProtect(); bp != 0 {
		s = append(s, fmt.Sprintf("BP=%d", bp))
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "BUSY")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

// addressed builds an opcode followed by a 24-bit big-endian address.
func addressed(op byte, addr uint32) []byte {
	return []byte{op, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}
