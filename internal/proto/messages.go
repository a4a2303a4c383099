package proto

import (
	"encoding/binary"
	"errors"
)

var errTruncated = errors.New("proto: truncated payload")

// CardDetected is the reader-to-gateway notification that a card is
// present, carrying whatever raw on-card bytes the reader could pull.
type CardDetected struct {
	CardID   string
	TapTime  uint64
	ReaderID uint16
	CardData []byte
}

// CardAck is the gateway-to-reader result of processing a tap: whether
// to accept, which beep/display to play, and an optional card rewrite.
type CardAck struct {
	Result       byte
	BeepPattern  byte
	DisplayCode  byte
	WriteFlag    byte
	WriteData    []byte
}

// Accepted builds the canonical "tap succeeded" ack shape.
func Accepted() CardAck {
	return CardAck{Result: 1, BeepPattern: 1, DisplayCode: 0}
}

// Rejected builds the canonical "tap refused" ack shape.
func Rejected() CardAck {
	return CardAck{Result: 0, BeepPattern: 2, DisplayCode: 1}
}

// CardWriteRequest asks the reader to rewrite a block range on the card
// currently presented.
type CardWriteRequest struct {
	CardID     string
	Data       []byte
	BlockStart byte
	BlockCount byte
}

// CardWriteResult is the reader's report of whether a requested write
// succeeded.
type CardWriteResult struct {
	Result     byte
	ErrorCode  byte
	BlockStart byte
	BlockCount byte
}

func (m CardDetected) ToFrame() Frame {
	return Frame{MsgType: MsgCardDetected, Payload: encodeCardDetected(m)}
}

func (m CardAck) ToFrame() Frame {
	return Frame{MsgType: MsgCardAck, Payload: encodeCardAck(m)}
}

func (m CardWriteRequest) ToFrame() Frame {
	return Frame{MsgType: MsgCardWriteReq, Payload: encodeCardWriteRequest(m)}
}

func (m CardWriteResult) ToFrame() Frame {
	return Frame{MsgType: MsgCardWriteResult, Payload: encodeCardWriteResult(m)}
}

// DecodeCardDetected parses a card-detected frame's payload. It is the
// caller's responsibility to check frame.MsgType first.
func DecodeCardDetected(payload []byte) (CardDetected, error) {
	cur := 0
	cardID, err := readString(payload, &cur)
	if err != nil {
		return CardDetected{}, err
	}
	tapTime, err := readU32(payload, &cur)
	if err != nil {
		return CardDetected{}, err
	}
	readerID, err := readU16(payload, &cur)
	if err != nil {
		return CardDetected{}, err
	}
	cardData, err := readBytes(payload, &cur)
	if err != nil {
		return CardDetected{}, err
	}
	return CardDetected{
		CardID:   cardID,
		TapTime:  uint64(tapTime),
		ReaderID: readerID,
		CardData: cardData,
	}, nil
}

// DecodeCardAck parses a card-ack frame's payload.
func DecodeCardAck(payload []byte) (CardAck, error) {
	if len(payload) < 4 {
		return CardAck{}, errTruncated
	}
	cur := 4
	writeData, err := readBytes(payload, &cur)
	if err != nil {
		return CardAck{}, err
	}
	return CardAck{
		Result:      payload[0],
		BeepPattern: payload[1],
		DisplayCode: payload[2],
		WriteFlag:   payload[3],
		WriteData:   writeData,
	}, nil
}

// DecodeCardWriteRequest parses a card-write-request frame's payload.
func DecodeCardWriteRequest(payload []byte) (CardWriteRequest, error) {
	cur := 0
	cardID, err := readString(payload, &cur)
	if err != nil {
		return CardWriteRequest{}, err
	}
	if cur >= len(payload) {
		return CardWriteRequest{}, errTruncated
	}
	dataLen := int(payload[cur])
	cur++
	if cur+dataLen > len(payload) {
		return CardWriteRequest{}, errTruncated
	}
	data := make([]byte, dataLen)
	copy(data, payload[cur:cur+dataLen])
	cur += dataLen
	if cur+2 > len(payload) {
		return CardWriteRequest{}, errTruncated
	}
	return CardWriteRequest{
		CardID:     cardID,
		Data:       data,
		BlockStart: payload[cur],
		BlockCount: payload[cur+1],
	}, nil
}

// DecodeCardWriteResult parses a card-write-result frame's payload.
func DecodeCardWriteResult(payload []byte) (CardWriteResult, error) {
	if len(payload) < 4 {
		return CardWriteResult{}, errTruncated
	}
	return CardWriteResult{
		Result:     payload[0],
		ErrorCode:  payload[1],
		BlockStart: payload[2],
		BlockCount: payload[3],
	}, nil
}

func encodeCardDetected(m CardDetected) []byte {
	out := make([]byte, 0, 1+len(m.CardID)+4+2+2+len(m.CardData))
	out = writeString(out, m.CardID)
	tb := make([]byte, 4)
	binary.LittleEndian.PutUint32(tb, uint32(m.TapTime))
	out = append(out, tb...)
	rb := make([]byte, 2)
	binary.LittleEndian.PutUint16(rb, m.ReaderID)
	out = append(out, rb...)
	out = writeBytes(out, m.CardData)
	return out
}

func encodeCardAck(m CardAck) []byte {
	out := []byte{m.Result, m.BeepPattern, m.DisplayCode, m.WriteFlag}
	out = writeBytes(out, m.WriteData)
	return out
}

func encodeCardWriteRequest(m CardWriteRequest) []byte {
	out := make([]byte, 0, 1+len(m.CardID)+1+len(m.Data)+2)
	out = writeString(out, m.CardID)
	dataLen := len(m.Data)
	if dataLen > 255 {
		dataLen = 255
	}
	out = append(out, byte(dataLen))
	out = append(out, m.Data[:dataLen]...)
	out = append(out, m.BlockStart, m.BlockCount)
	return out
}

func encodeCardWriteResult(m CardWriteResult) []byte {
	return []byte{m.Result, m.ErrorCode, m.BlockStart, m.BlockCount}
}

func writeString(out []byte, v string) []byte {
	b := []byte(v)
	l := len(b)
	if l > 255 {
		l = 255
	}
	out = append(out, byte(l))
	out = append(out, b[:l]...)
	return out
}

func writeBytes(out []byte, v []byte) []byte {
	l := len(v)
	if l > 65535 {
		l = 65535
	}
	lb := make([]byte, 2)
	binary.LittleEndian.PutUint16(lb, uint16(l))
	out = append(out, lb...)
	out = append(out, v[:l]...)
	return out
}

func readString(data []byte, cur *int) (string, error) {
	if *cur >= len(data) {
		return "", errTruncated
	}
	l := int(data[*cur])
	*cur++
	if *cur+l > len(data) {
		return "", errTruncated
	}
	s := string(data[*cur : *cur+l])
	*cur += l
	return s, nil
}

func readBytes(data []byte, cur *int) ([]byte, error) {
	l, err := readU16(data, cur)
	if err != nil {
		return nil, err
	}
	if *cur+int(l) > len(data) {
		return nil, errTruncated
	}
	out := make([]byte, l)
	copy(out, data[*cur:*cur+int(l)])
	*cur += int(l)
	return out, nil
}

func readU16(data []byte, cur *int) (uint16, error) {
	if *cur+2 > len(data) {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint16(data[*cur : *cur+2])
	*cur += 2
	return v, nil
}

func readU32(data []byte, cur *int) (uint32, error) {
	if *cur+4 > len(data) {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint32(data[*cur : *cur+4])
	*cur += 4
	return v, nil
}
