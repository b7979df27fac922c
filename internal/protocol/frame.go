package protocol

import (
	"encoding/binary"
	"fmt"
)

// LengthPrefixSize is the width of the big-endian length field that
// precedes every container message on the wire.
const LengthPrefixSize = 4

// DefaultMaxFrameSize is the largest container the decoder accepts by
// default. Matches the server's own limit.
const DefaultMaxFrameSize = 15_000_000

// EncodeFrame serializes the envelope and prefixes it with the 4-byte
// big-endian length of the container bytes.
func EncodeFrame(e *Envelope) []byte {
	body := e.Marshal()
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame
}

// Decoder incrementally reassembles frames from a byte stream. Bytes are
// appended with Feed as they arrive from the socket; Next pops the next
// complete envelope, returning (nil, nil) until enough bytes are buffered.
// Reassembly is independent of how the stream is chunked.
type Decoder struct {
	maxFrameSize uint32
	buf          []byte
}

// NewDecoder creates a Decoder. maxFrameSize guards against memory
// exhaustion from a corrupt or hostile peer; zero selects
// DefaultMaxFrameSize.
func NewDecoder(maxFrameSize uint32) *Decoder {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends raw bytes read from the stream to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete envelope, or (nil, nil) if more bytes are
// needed. It fails with an error wrapping ErrMalformedFrame if the declared
// length exceeds the configured maximum or the container bytes do not parse;
// the connection must be torn down after such an error.
func (d *Decoder) Next() (*Envelope, error) {
	if len(d.buf) < LengthPrefixSize {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:LengthPrefixSize])
	if n > d.maxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds maximum %d", ErrMalformedFrame, n, d.maxFrameSize)
	}
	total := LengthPrefixSize + int(n)
	if len(d.buf) < total {
		return nil, nil
	}
	body := d.buf[LengthPrefixSize:total]
	env, err := UnmarshalEnvelope(body)
	if err != nil {
		return nil, err
	}
	// Shift the remainder down rather than aliasing, so a long-lived
	// buffer does not pin every frame ever received.
	rest := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]
	return env, nil
}

// Buffered reports how many bytes are waiting in the decode buffer.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
