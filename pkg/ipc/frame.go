package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout on the pipe: 1 codec tag byte, 4 byte big-endian payload
// length, payload. The tag travels with every frame so the receiving side
// never needs out-of-band codec negotiation.
const (
	tagBinary = 'B'
	tagText   = 'J'

	// MaxFrameBytes bounds a single message. Aggregation results are capped
	// well below this by the per-request record budgets.
	MaxFrameBytes = 64 << 20
)

// WriteFrame encodes m with c and writes one frame.
func WriteFrame(w io.Writer, c Codec, m *Message) error {
	payload, err := c.Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}

	header := make([]byte, 5)
	if c.Name() == "bson" {
		header[0] = tagBinary
	} else {
		header[0] = tagText
	}
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one frame, picking the codec from the tag byte. io.EOF is
// returned unchanged so callers can detect an orderly channel close.
func ReadFrame(r io.Reader) (*Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	var c Codec
	switch header[0] {
	case tagBinary:
		c = bsonCodec{}
	case tagText:
		c = jsonCodec{}
	default:
		return nil, fmt.Errorf("unknown frame tag 0x%02x", header[0])
	}

	n := binary.BigEndian.Uint32(header[1:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return c.Decode(payload)
}
