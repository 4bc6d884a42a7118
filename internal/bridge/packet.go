package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bigbag/flashlog/internal/crc16"
)

// Bridge commands.
const (
	CmdPing     = 0x01
	CmdSelect   = 0x02
	CmdDeselect = 0x03
	CmdTransfer = 0x04
	CmdReset    = 0x05
)

// Direction byte values.
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Response status codes.
const (
	StatusOK             = 0x00
	StatusBadCRC         = 0x01
	StatusBadLength      = 0x02
	StatusUnknownCommand = 0x03
	StatusBusFault       = 0x04
)

// MaxTransfer is the largest payload carried by one Transfer packet.
const MaxTransfer = 512

const (
	requestHeader  = 4 // dir, cmd, len
	responseHeader = 5 // dir, cmd, len, status
	checksumSize   = 2
)

var (
	// ErrChecksum is returned when a packet's Modbus CRC does not match.
	ErrChecksum = errors.New("packet checksum mismatch")
	// ErrMalformed is returned for packets with a bad direction or length.
	ErrMalformed = errors.New("malformed packet")
)

// StatusMessage returns a human-readable status message.
func StatusMessage(status byte) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusBadCRC:
		return "invalid CRC"
	case StatusBadLength:
		return "invalid length"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusBusFault:
		return "SPI bus fault"
	default:
		return "unknown status"
	}
}

// Request is a host to bridge packet.
type Request struct {
	Command byte
	Data    []byte
}

// Response is a bridge to host packet.
type Response struct {
	Command byte
	Status  byte
	Data    []byte
}

// StatusError reports a response with a non-OK status.
type StatusError struct {
	Command byte
	Status  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge command 0x%02X failed: status=0x%02X (%s)",
		e.Command, e.Status, StatusMessage(e.Status))
}

// Encode serializes the request (before SLIP framing).
//
//	0: direction (0x00)
//	1: command
//	2-3: data length (little-endian)
//	4..: data
//	last 2: CRC-16/MODBUS of everything before it (little-endian)
func (r *Request) Encode() []byte {
	p := make([]byte, requestHeader+len(r.Data)+checksumSize)
	p[0] = DirRequest
	p[1] = r.Command
	binary.LittleEndian.PutUint16(p[2:4], uint16(len(r.Data)))
	copy(p[requestHeader:], r.Data)
	putChecksum(p)
	return p
}

// Encode serializes the response. The layout matches Request with a status
// byte between the length and the data.
func (r *Response) Encode() []byte {
	p := make([]byte, responseHeader+len(r.Data)+checksumSize)
	p[0] = DirResponse
	p[1] = r.Command
	binary.LittleEndian.PutUint16(p[2:4], uint16(len(r.Data)))
	p[4] = r.Status
	copy(p[responseHeader:], r.Data)
	putChecksum(p)
	return p
}

// DecodeRequest parses a request from raw bytes (after SLIP decoding).
func DecodeRequest(p []byte) (*Request, error) {
	body, err := checkPacket(p, DirRequest, requestHeader)
	if err != nil {
		return nil, err
	}
	return &Request{Command: p[1], Data: body}, nil
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
func DecodeResponse(p []byte) (*Response, error) {
	body, err := checkPacket(p, DirResponse, responseHeader)
	if err != nil {
		return nil, err
	}
	return &Response{Command: p[1], Status: p[4], Data: body}, nil
}

func checkPacket(p []byte, dir byte, header int) ([]byte, error) {
	if len(p) < header+checksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(p))
	}
	if p[0] != dir {
		return nil, fmt.Errorf("%w: direction byte 0x%02X", ErrMalformed, p[0])
	}
	n := int(binary.LittleEndian.Uint16(p[2:4]))
	if header+n+checksumSize != len(p) {
		return nil, fmt.Errorf("%w: length %d in %d-byte packet", ErrMalformed, n, len(p))
	}
	body := len(p) - checksumSize
	want := binary.LittleEndian.Uint16(p[body:])
	if got := crc16.Modbus(p[:body]); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrChecksum, got, want)
	}
	return p[header:body], nil
}

func putChecksum(p []byte) {
	body := len(p) - checksumSize
	binary.LittleEndian.PutUint16(p[body:], crc16.Modbus(p[:body]))
}
