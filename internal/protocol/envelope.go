// Package protocol defines the wire format for the Open API TCP protocol.
//
// Every message on the wire is a length-prefixed frame: a 4-byte big-endian
// length followed by that many bytes of a protobuf-encoded container message.
// The container holds a payload type tag, the opaque payload bytes of the
// concrete message, and an optional client message id used to correlate
// requests with responses.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// Container message field numbers. The container schema is an external,
// versioned contract; the field layout must not change.
const (
	fieldPayloadType = 1 // uint32
	fieldPayload     = 2 // bytes
	fieldClientMsgID = 3 // string
)

// ErrMalformedFrame indicates the peer sent bytes that cannot be decoded as
// a container message, or a frame that violates the framing contract.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is one protocol message unit: a payload type tag, the raw payload
// bytes, and an optional correlation id. The engine treats the payload as
// opaque; schema-specific encoding is layered above via Pack and Unpack.
type Envelope struct {
	// PayloadType identifies the schema of Payload. Always set.
	PayloadType uint32

	// Payload is the serialized concrete message. May be empty.
	Payload []byte

	// ClientMsgID correlates a request with its response. Empty on
	// unsolicited events and fire-and-forget messages.
	ClientMsgID string
}

// Marshal serializes the envelope as the protobuf container message.
func (e *Envelope) Marshal() []byte {
	b := make([]byte, 0, 16+len(e.Payload)+len(e.ClientMsgID))
	b = protowire.AppendTag(b, fieldPayloadType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.PayloadType))
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.ClientMsgID != "" {
		b = protowire.AppendTag(b, fieldClientMsgID, protowire.BytesType)
		b = protowire.AppendString(b, e.ClientMsgID)
	}
	return b
}

// UnmarshalEnvelope parses a protobuf container message. It fails with an
// error wrapping ErrMalformedFrame if the bytes are not a valid container
// or the payload type tag is absent.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	sawType := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldPayloadType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad payload type: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			e.PayloadType = uint32(v)
			sawType = true
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad payload: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			e.Payload = append([]byte(nil), v...)
			data = data[n:]
		case num == fieldClientMsgID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad client msg id: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			e.ClientMsgID = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if !sawType {
		return nil, fmt.Errorf("%w: missing payload type", ErrMalformedFrame)
	}
	return &e, nil
}

// Pack wraps a concrete protobuf message in an envelope with the given
// payload type tag.
func Pack(payloadType uint32, m proto.Message, clientMsgID string) (*Envelope, error) {
	payload, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		PayloadType: payloadType,
		Payload:     payload,
		ClientMsgID: clientMsgID,
	}, nil
}

// Unpack deserializes the envelope's payload into a concrete protobuf
// message. The caller selects the message type from the payload type tag.
func Unpack(e *Envelope, m proto.Message) error {
	if err := proto.Unmarshal(e.Payload, m); err != nil {
		return fmt.Errorf("unmarshal payload type %d: %w", e.PayloadType, err)
	}
	return nil
}
