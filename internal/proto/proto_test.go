package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	f := Frame{MsgType: MsgCardDetected, Flags: 0x01, Payload: []byte{1, 2, 3, 4, 5}}
	encoded := Encode(f)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, f.MsgType, decoded.MsgType)
	assert.Equal(t, f.Flags, decoded.Flags)
	assert.Equal(t, f.Payload, decoded.Payload)
}

func TestDecodeBadHeader(t *testing.T) {
	encoded := Encode(Frame{MsgType: MsgHeartbeat})
	encoded[0] = 0x00
	_, err := Decode(encoded)
	require.Error(t, err)
	assert.Equal(t, ErrBadHeader, err.(*FrameError).Kind)
}

func TestDecodeBadChecksum(t *testing.T) {
	encoded := Encode(Frame{MsgType: MsgHeartbeat, Payload: []byte{9, 9}})
	encoded[len(encoded)-1] ^= 0xFF
	_, err := Decode(encoded)
	require.Error(t, err)
	assert.Equal(t, ErrBadChecksum, err.(*FrameError).Kind)
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode([]byte{0xAA, 0x55})
	require.Error(t, err)
	assert.Equal(t, ErrTooShort, err.(*FrameError).Kind)
}

func TestFrameReaderByteAtATime(t *testing.T) {
	f := Frame{MsgType: MsgCardAck, Payload: []byte{1, 2, 3}}
	encoded := Encode(f)

	r := NewFrameReader()
	var got Frame
	var gotErr error
	var ready bool
	for _, b := range encoded {
		got, gotErr, ready = r.Push(b)
		if ready {
			break
		}
	}
	require.True(t, ready)
	require.NoError(t, gotErr)
	assert.Equal(t, f.MsgType, got.MsgType)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestFrameReaderGarbagePrefixThenValidFrame(t *testing.T) {
	f := Frame{MsgType: MsgHeartbeat, Payload: []byte{7}}
	encoded := Encode(f)
	stream := append([]byte{0x00, 0x11, 0xAA, 0x99}, encoded...)

	r := NewFrameReader()
	var got Frame
	var ready bool
	for _, b := range stream {
		frame, _, ok := r.Push(b)
		if ok && frame.MsgType != 0 {
			got = frame
			ready = true
		}
	}
	require.True(t, ready)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestCardDetectedPayloadRoundTrip(t *testing.T) {
	msg := CardDetected{CardID: "0A1B2C3D", TapTime: 1234567, ReaderID: 1, CardData: []byte{1, 2, 3, 4}}
	encoded := encodeCardDetected(msg)
	decoded, err := DecodeCardDetected(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestCardAckPayloadRoundTrip(t *testing.T) {
	msg := Rejected()
	encoded := encodeCardAck(msg)
	decoded, err := DecodeCardAck(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg.Result, decoded.Result)
	assert.Equal(t, msg.BeepPattern, decoded.BeepPattern)
}

func TestCardWriteRequestPayloadRoundTrip(t *testing.T) {
	msg := CardWriteRequest{CardID: "abc", Data: make([]byte, 32), BlockStart: 8, BlockCount: 2}
	encoded := encodeCardWriteRequest(msg)
	decoded, err := DecodeCardWriteRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeCardDetectedTruncatedFails(t *testing.T) {
	_, err := DecodeCardDetected([]byte{5, 1, 2})
	require.Error(t, err)
}
