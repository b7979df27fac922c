package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeFramePrefix(t *testing.T) {
	env := &Envelope{PayloadType: 51, Payload: []byte{0xaa, 0xbb}}
	frame := EncodeFrame(env)
	if len(frame) < LengthPrefixSize {
		t.Fatalf("frame too short: %d bytes", len(frame))
	}
	declared := binary.BigEndian.Uint32(frame[:LengthPrefixSize])
	if int(declared) != len(frame)-LengthPrefixSize {
		t.Errorf("declared length %d, body length %d", declared, len(frame)-LengthPrefixSize)
	}
}

func TestDecoderOneShot(t *testing.T) {
	envs := []*Envelope{
		{PayloadType: 5, Payload: []byte{0x01, 0x02}, ClientMsgID: "r1"},
		{PayloadType: 51},
		{PayloadType: 2101, Payload: bytes.Repeat([]byte{0xee}, 300)},
	}
	var stream []byte
	for _, e := range envs {
		stream = append(stream, EncodeFrame(e)...)
	}

	d := NewDecoder(0)
	d.Feed(stream)
	for i, want := range envs {
		got, err := d.Next()
		if err != nil {
			t.Fatalf("frame %d: unexpected error: %v", i, err)
		}
		if got == nil {
			t.Fatalf("frame %d: decoder wanted more data", i)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("frame %d = %+v, want %+v", i, got, want)
		}
	}
	if got, err := d.Next(); got != nil || err != nil {
		t.Errorf("trailing Next() = %+v, %v, want nil, nil", got, err)
	}
	if d.Buffered() != 0 {
		t.Errorf("buffered = %d, want 0", d.Buffered())
	}
}

// Feeding the stream one byte at a time must yield the same envelopes as
// decoding it in one shot.
func TestDecoderByteByByte(t *testing.T) {
	envs := []*Envelope{
		{PayloadType: 5, Payload: []byte{0x01, 0x02}, ClientMsgID: "r1"},
		{PayloadType: 50, Payload: []byte("SERVER_IS_UNDER_MAINTENANCE")},
		{PayloadType: 51},
	}
	var stream []byte
	for _, e := range envs {
		stream = append(stream, EncodeFrame(e)...)
	}

	d := NewDecoder(0)
	var got []*Envelope
	for _, b := range stream {
		d.Feed([]byte{b})
		for {
			env, err := d.Next()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env == nil {
				break
			}
			got = append(got, env)
		}
	}
	if !reflect.DeepEqual(got, envs) {
		t.Errorf("decoded %d envelopes = %+v, want %+v", len(got), got, envs)
	}
}

func TestDecoderMaxFrameSize(t *testing.T) {
	d := NewDecoder(16)
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], 17)
	d.Feed(prefix[:])
	if _, err := d.Next(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("error = %v, want ErrMalformedFrame", err)
	}
}

func TestDecoderMaxSizedFrame(t *testing.T) {
	env := &Envelope{PayloadType: 1, Payload: bytes.Repeat([]byte{0x7f}, 1<<16)}
	frame := EncodeFrame(env)

	d := NewDecoder(uint32(len(frame) - LengthPrefixSize))
	d.Feed(frame)
	got, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !bytes.Equal(got.Payload, env.Payload) {
		t.Fatalf("max-sized frame did not round-trip")
	}
}

func TestDecoderMalformedBody(t *testing.T) {
	var frame []byte
	body := []byte{0xff, 0xff} // not a valid container
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	frame = append(frame, prefix[:]...)
	frame = append(frame, body...)

	d := NewDecoder(0)
	d.Feed(frame)
	if _, err := d.Next(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("error = %v, want ErrMalformedFrame", err)
	}
}
