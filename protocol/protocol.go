// Package protocol frames messages on a byte stream such as a TCP
// connection. Each frame is a fixed 10-byte header followed by the body; the
// receiver reads the header, then exactly bodyLen bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │k │rs│ bodyLen │    body ...    │
//	│ cbr  │01│  │00│ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "cbr" reject peers that do not speak the protocol, such as an
// HTTP client hitting the wrong port.
const (
	MagicByte1 byte = 0x63 // 'c'
	MagicByte2 byte = 0x62 // 'b'
	MagicByte3 byte = 0x72 // 'r'
	Version    byte = 0x01
	HeaderSize int  = 10 // 3 (magic) + 1 (version) + 1 (kind) + 1 (reserved) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen = 16 << 20
)

// Kind says what the body carries.
type Kind byte

const (
	KindBinary    Kind = 0 // a CBOR frame
	KindText      Kind = 1 // text payload, never dispatched
	KindHeartbeat Kind = 2 // keepalive probe, empty body
)

func (k Kind) valid() bool {
	return k == KindBinary || k == KindText || k == KindHeartbeat
}

var (
	ErrBadMagic    = errors.New("protocol: invalid magic number")
	ErrVersion     = errors.New("protocol: unsupported version")
	ErrKind        = errors.New("protocol: unsupported frame kind")
	ErrBodyTooLong = errors.New("protocol: frame body too long")
)

// Header is the fixed frame header.
type Header struct {
	Kind    Kind
	BodyLen uint32
}

// Encode writes one frame to w with BodyLen taken from body. Callers sharing
// w between goroutines must serialize calls, or frames will interleave.
func Encode(w io.Writer, kind Kind, body []byte) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %d", ErrKind, kind)
	}
	if len(body) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLong, len(body))
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(kind)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// one write keeps the frame contiguous on the wire
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. The body length is checked against
// MaxBodyLen before anything is allocated for it.
func Decode(r io.Reader) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}

	if hdr[0] != MagicByte1 || hdr[1] != MagicByte2 || hdr[2] != MagicByte3 {
		return Header{}, nil, fmt.Errorf("%w: %x", ErrBadMagic, hdr[0:3])
	}
	if hdr[3] != Version {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrVersion, hdr[3])
	}
	kind := Kind(hdr[4])
	if !kind.valid() {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrKind, hdr[4])
	}
	bodyLen := binary.BigEndian.Uint32(hdr[6:10])
	if bodyLen > MaxBodyLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLong, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	return Header{Kind: kind, BodyLen: bodyLen}, body, nil
}
