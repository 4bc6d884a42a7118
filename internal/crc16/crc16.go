// Package crc16 implements the two 16-bit CRCs used by the record store and
// the serial bridge.
//
// CCITT is CRC-16/CCITT-FALSE (polynomial 0x1021, initial value 0xFFFF, no
// reflection, no final XOR). It protects every payload written to flash.
//
// Modbus is CRC-16/MODBUS (reflected polynomial 0xA001, initial value 0xFFFF).
// It protects bridge packets and matches the checksum of Modbus RTU frames.
package crc16

const (
	ccittPoly   = 0x1021
	modbusPoly  = 0xA001
	initialCRC  = 0xFFFF
	bitsPerByte = 8
)

var (
	ccittTable  = makeCCITTTable()
	modbusTable = makeModbusTable()
)

func makeCCITTTable() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << bitsPerByte
		for b := 0; b < bitsPerByte; b++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ ccittPoly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

func makeModbusTable() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i)
		for b := 0; b < bitsPerByte; b++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ modbusPoly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}

// CCITT returns the CRC-16/CCITT-FALSE of data.
func CCITT(data []byte) uint16 {
	return UpdateCCITT(initialCRC, data)
}

// UpdateCCITT continues a CCITT computation from crc over data.
func UpdateCCITT(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc<<bitsPerByte ^ ccittTable[byte(crc>>bitsPerByte)^b]
	}
	return crc
}

// Modbus returns the CRC-16/MODBUS of data. On the wire the low byte is sent
// first.
func Modbus(data []byte) uint16 {
	crc := uint16(initialCRC)
	for _, b := range data {
		crc = crc>>bitsPerByte ^ modbusTable[byte(crc)^b]
	}
	return crc
}
