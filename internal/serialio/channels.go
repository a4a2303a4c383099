// Package serialio implements the reader-link pipeline: the byte-wise
// frame decoder, the UART read/write goroutines, and the processor and
// write-result goroutines that connect the reader link to the decision
// engine and the network coordinator.
package serialio

import (
	"taptransit-gateway/internal/model"
	"taptransit-gateway/internal/netsync"
	"taptransit-gateway/internal/proto"
)

// Channels is the gateway's channel topology: card-detected frames and
// write-result frames arrive from the reader; serial commands (ack,
// write) go back to it; accepted taps and registrations are handed off
// to the network coordinator. Five channels, same shape as the
// reference pipeline's card/cmd/upload/write-result/net-command split.
type Channels struct {
	CardDetected chan proto.CardDetected
	WriteResult  chan proto.CardWriteResult
	SerialCmd    chan SerialCommand
	Upload       chan model.UploadRecord
	NetCmd       chan netsync.Command
}

// NewChannels allocates a buffered channel set sized generously enough
// that a slow consumer doesn't immediately stall the reader's hot path;
// when a channel is full, producers drop the message and log it (see
// RunProcessor) rather than block the UART read loop.
func NewChannels() *Channels {
	return &Channels{
		CardDetected: make(chan proto.CardDetected, 16),
		WriteResult:  make(chan proto.CardWriteResult, 16),
		SerialCmd:    make(chan SerialCommand, 16),
		Upload:       make(chan model.UploadRecord, 64),
		NetCmd:       make(chan netsync.Command, 32),
	}
}

// serialCommandKind distinguishes the two outbound frame shapes the
// reader link accepts from the gateway.
type serialCommandKind int

const (
	cmdKindAck serialCommandKind = iota
	cmdKindWrite
)

// SerialCommand is one outbound message for the TX goroutine to encode
// and write to the reader link.
type SerialCommand struct {
	kind  serialCommandKind
	ack   proto.CardAck
	write proto.CardWriteRequest
}

// AckCommand wraps a tap result for transmission to the reader.
func AckCommand(ack proto.CardAck) SerialCommand {
	return SerialCommand{kind: cmdKindAck, ack: ack}
}

// WriteCommand wraps a card-rewrite request for transmission to the
// reader. Per the processor's ordering, a write command for a tap is
// always sent before that tap's ack.
func WriteCommand(req proto.CardWriteRequest) SerialCommand {
	return SerialCommand{kind: cmdKindWrite, write: req}
}

func (c SerialCommand) toFrame() proto.Frame {
	if c.kind == cmdKindWrite {
		return c.write.ToFrame()
	}
	return c.ack.ToFrame()
}
