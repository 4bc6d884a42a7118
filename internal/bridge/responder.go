package bridge

import (
	"errors"
	"io"

	"github.com/bigbag/flashlog/internal/spiflash"
)

// Responder is the device side of the protocol: it executes requests
// against a local spiflash.Bus. It backs the bridge tests and the
// simulated bridge.
type Responder struct {
	bus spiflash.Bus
}

// NewResponder returns a Responder driving bus.
func NewResponder(bus spiflash.Bus) *Responder {
	return &Responder{bus: bus}
}

// Handle executes one request.
func (s *Responder) Handle(req *Request) *Response {
	resp := &Response{Command: req.Command, Status: StatusOK}

	var err error
	switch req.Command {
	case CmdPing:
		resp.Data = append([]byte(nil), req.Data...)
	case CmdSelect:
		err = s.bus.Select()
	case CmdDeselect:
		err = s.bus.Deselect()
	case CmdTransfer:
		if len(req.Data) > MaxTransfer {
			resp.Status = StatusBadLength
			break
		}
		in := make([]byte, len(req.Data))
		if err = s.bus.Tx(req.Data, in); err == nil {
			resp.Data = in
		}
	case CmdReset:
		if r, ok := s.bus.(spiflash.BusResetter); ok {
			err = r.ResetBus()
		}
		if err == nil {
			err = s.bus.Deselect()
		}
	default:
		resp.Status = StatusUnknownCommand
	}
	if err != nil {
		resp.Status = StatusBusFault
	}
	return resp
}

// HandleFrame decodes a request frame and returns the encoded response
// frame. It returns nil when the frame is too damaged to name a command.
func (s *Responder) HandleFrame(frame []byte) []byte {
	data, err := DecodeFrame(frame)
	if err != nil || len(data) < 2 {
		return nil
	}
	req, err := DecodeRequest(data)
	if err != nil {
		status := byte(StatusBadLength)
		if errors.Is(err, ErrChecksum) {
			status = StatusBadCRC
		}
		resp := &Response{Command: data[1], Status: status}
		return EncodeFrame(resp.Encode())
	}
	return EncodeFrame(s.Handle(req).Encode())
}

// Serve answers requests read from rw until it returns an error. io.EOF
// ends the loop cleanly.
func (s *Responder) Serve(rw io.ReadWriter) error {
	var buf []byte
	chunk := make([]byte, 256)
	for {
		n, err := rw.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for {
			frame, rest := SplitFrame(buf)
			if frame == nil {
				break
			}
			if out := s.HandleFrame(frame); out != nil {
				if _, wErr := rw.Write(out); wErr != nil {
					return wErr
				}
			}
			buf = append(buf[:0], rest...)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
