package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the largest framed message accepted in either
// direction (16 MiB, matching OpenSSH).
const MaxMessageSize = 16 * 1024 * 1024

// Encode frames a message: 4-byte big-endian length prefix, type byte,
// payload. It is total for every constructible Message.
func (m Message) Encode() []byte {
	buf := make([]byte, 0, 5+len(m.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(1+len(m.Payload)))
	buf = append(buf, m.Type)
	return append(buf, m.Payload...)
}

// Decode attempts to decode one framed message from the front of buf.
// It returns the message and the number of bytes consumed. A consumed
// count of zero with a nil error means buf does not yet hold a
// complete frame. Decode never reads past the declared length.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return Message{}, 0, nil
	}
	n := binary.BigEndian.Uint32(buf)
	if n == 0 {
		return Message{}, 0, fmt.Errorf("%w: zero-length message", ErrMalformed)
	}
	if n > MaxMessageSize {
		return Message{}, 0, fmt.Errorf("%w: message of %d bytes exceeds maximum %d",
			ErrMalformed, n, MaxMessageSize)
	}
	if uint32(len(buf)-4) < n {
		return Message{}, 0, nil
	}
	payload := make([]byte, n-1)
	copy(payload, buf[5:4+n])
	return Message{Type: buf[4], Payload: payload}, int(4 + n), nil
}

// ReadMessage reads one framed message from r. A clean EOF before the
// first length byte is reported as io.EOF; EOF inside a frame is
// ErrMalformed.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Message{}, fmt.Errorf("%w: zero-length message", ErrMalformed)
	}
	if n > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: message of %d bytes exceeds maximum %d",
			ErrMalformed, n, MaxMessageSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated frame", ErrMalformed)
		}
		return Message{}, err
	}

	return Message{Type: body[0], Payload: body[1:]}, nil
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}
