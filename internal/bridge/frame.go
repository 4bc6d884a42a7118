package bridge

import "errors"

// SLIP framing bytes.
const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// ErrBadEscape is returned for an escape byte that is not followed by
// EscEnd or EscEsc.
var ErrBadEscape = errors.New("invalid SLIP escape")

// EncodeFrame wraps data in SLIP framing with an End byte on both sides.
func EncodeFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8+2)
	out = append(out, End)
	for _, b := range data {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, End)
}

// DecodeFrame strips the End delimiters from frame and unescapes its body.
func DecodeFrame(frame []byte) ([]byte, error) {
	start, end := 0, len(frame)
	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}

	out := make([]byte, 0, end-start)
	for i := start; i < end; i++ {
		b := frame[i]
		if b != Esc {
			out = append(out, b)
			continue
		}
		if i+1 == end {
			return nil, ErrBadEscape
		}
		i++
		switch frame[i] {
		case EscEnd:
			out = append(out, End)
		case EscEsc:
			out = append(out, Esc)
		default:
			return nil, ErrBadEscape
		}
	}
	return out, nil
}

// SplitFrame finds the first complete frame in buf. Bytes before the opening
// End are line noise and are dropped. It returns nil and buf unchanged when
// no frame is complete yet.
func SplitFrame(buf []byte) (frame, rest []byte) {
	start := -1
	for i, b := range buf {
		if b == End {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, buf
	}

	inFrame := false
	for i := start; i < len(buf); i++ {
		if buf[i] != End {
			inFrame = true
			continue
		}
		if inFrame {
			return buf[start : i+1], buf[i+1:]
		}
	}
	return nil, buf
}
