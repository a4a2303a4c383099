// Package proto implements the gateway-reader wire protocol: a small
// length-prefixed frame carrying one of a handful of message payloads,
// plus the byte-at-a-time decoder that reassembles frames from a UART
// stream.
package proto

import (
	"encoding/binary"
	"fmt"
)

// Header bytes and version that open every frame.
const (
	HeaderByte0 = 0xAA
	HeaderByte1 = 0x55
	Version     = 0x01
)

// Message types. The exact numbering only needs to be internally
// consistent between encoder and decoder.
const (
	MsgCardDetected    = 0x01
	MsgCardAck         = 0x02
	MsgSetRouteInfo    = 0x03
	MsgHeartbeat       = 0x04
	MsgErrorReport     = 0x05
	MsgCardWriteReq    = 0x06
	MsgCardWriteResult = 0x07
)

// ErrKind distinguishes the ways a frame can fail to decode without
// forcing callers to match on Go error chains.
type ErrKind string

const (
	ErrTooShort    ErrKind = "too-short"
	ErrBadHeader   ErrKind = "bad-header"
	ErrBadVersion  ErrKind = "bad-version"
	ErrBadLength   ErrKind = "bad-length"
	ErrBadChecksum ErrKind = "bad-checksum"
)

// FrameError is always non-fatal to the pipeline: the decoder resets
// and keeps running.
type FrameError struct {
	Kind ErrKind
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame: %s", e.Kind)
}

func newFrameError(k ErrKind) error {
	return &FrameError{Kind: k}
}

// Frame is one decoded wire message.
type Frame struct {
	MsgType byte
	Flags   byte
	Payload []byte
}

// minFrameLen is header(2) + version(1) + len(2) + type(1) + flags(1) + checksum(2).
const minFrameLen = 2 + 1 + 2 + 1 + 1 + 2

// Encode serialises a frame to its wire bytes.
func Encode(f Frame) []byte {
	out := make([]byte, 0, 2+1+2+1+1+len(f.Payload)+2)
	out = append(out, HeaderByte0, HeaderByte1, Version)
	length := uint16(1 + 1 + len(f.Payload))
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, length)
	out = append(out, lenBuf...)
	out = append(out, f.MsgType, f.Flags)
	out = append(out, f.Payload...)
	checksum := checksum16(out[2:])
	csBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(csBuf, checksum)
	out = append(out, csBuf...)
	return out
}

// Decode parses a single frame out of data, validating header, version,
// length and checksum.
func Decode(data []byte) (Frame, error) {
	if len(data) < minFrameLen {
		return Frame{}, newFrameError(ErrTooShort)
	}
	if data[0] != HeaderByte0 || data[1] != HeaderByte1 {
		return Frame{}, newFrameError(ErrBadHeader)
	}
	if data[2] != Version {
		return Frame{}, newFrameError(ErrBadVersion)
	}
	length := int(binary.LittleEndian.Uint16(data[3:5]))
	if length < 2 {
		return Frame{}, newFrameError(ErrBadLength)
	}
	expected := 2 + 1 + 2 + length + 2
	if len(data) < expected {
		return Frame{}, newFrameError(ErrBadLength)
	}
	checksum := binary.LittleEndian.Uint16(data[expected-2 : expected])
	computed := checksum16(data[2 : expected-2])
	if checksum != computed {
		return Frame{}, newFrameError(ErrBadChecksum)
	}
	payload := make([]byte, expected-9)
	copy(payload, data[7:expected-2])
	return Frame{
		MsgType: data[5],
		Flags:   data[6],
		Payload: payload,
	}, nil
}

// checksum16 is a truncating 16-bit sum of every byte, not a CRC.
func checksum16(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}
