package bridge

import (
	"bytes"
	"errors"
	"testing"
)

func TestRequest_Encode(t *testing.T) {
	req := &Request{Command: CmdTransfer, Data: []byte{0x9F, 0x00}}
	p := req.Encode()

	if len(p) != 4+2+2 {
		t.Fatalf("len(Encode()) = %d, want 8", len(p))
	}
	if p[0] != DirRequest || p[1] != CmdTransfer {
		t.Errorf("header = % X, want 00 04", p[:2])
	}
	if p[2] != 2 || p[3] != 0 {
		t.Errorf("length bytes = % X, want 02 00", p[2:4])
	}

	got, err := DecodeRequest(p)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if got.Command != req.Command || !bytes.Equal(got.Data, req.Data) {
		t.Errorf("DecodeRequest() = %+v, want %+v", got, req)
	}
}

func TestResponse_Decode(t *testing.T) {
	resp := &Response{Command: CmdPing, Status: StatusOK, Data: []byte("FLOG")}
	got, err := DecodeResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if got.Command != CmdPing || got.Status != StatusOK || string(got.Data) != "FLOG" {
		t.Errorf("DecodeResponse() = %+v", got)
	}
}

func TestDecodeResponse_Errors(t *testing.T) {
	valid := (&Response{Command: CmdSelect}).Encode()

	flipped := bytes.Clone(valid)
	flipped[1] ^= 0x10

	request := (&Request{Command: CmdSelect}).Encode()

	long := bytes.Clone(valid)
	long[2] = 9

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"short", []byte{DirResponse, CmdSelect}, ErrMalformed},
		{"request direction", request, ErrMalformed},
		{"length mismatch", long, ErrMalformed},
		{"checksum", flipped, ErrChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeResponse(tt.in); !errors.Is(err, tt.want) {
				t.Errorf("DecodeResponse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	err := error(&StatusError{Command: CmdTransfer, Status: StatusBusFault})
	want := "bridge command 0x04 failed: status=0x04 (SPI bus fault)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestStatusMessage(t *testing.T) {
	tests := []struct {
		status byte
		want   string
	}{
		{StatusOK, "ok"},
		{StatusBadCRC, "invalid CRC"},
		{StatusBadLength, "invalid length"},
		{StatusUnknownCommand, "unknown command"},
		{StatusBusFault, "SPI bus fault"},
		{0x7F, "unknown status"},
	}
	for _, tt := range tests {
		if got := StatusMessage(tt.status); got != tt.want {
			t.Errorf("StatusMessage(0x%02X) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
