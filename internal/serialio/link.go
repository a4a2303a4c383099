package serialio

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"taptransit-gateway/internal/proto"
)

// RunRX reads the reader link in chunks of up to 128 bytes, feeding each
// byte into a frame reader and dispatching whatever complete frames fall
// out. A
// structural frame error is logged and otherwise ignored; the reader
// resynchronises on the next header byte on its own.
func RunRX(ctx context.Context, port io.Reader, ch *Channels) {
	reader := proto.NewFrameReader()
	buf := make([]byte, 128)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			logBytes("UART RX:", buf[:n])
			for _, b := range buf[:n] {
				frame, ferr, ok := reader.Push(b)
				if !ok {
					continue
				}
				if ferr != nil {
					log.Printf("serialio: frame error: %v", ferr)
					continue
				}
				dispatchFrame(frame, ch)
			}
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			log.Printf("serialio: UART RX error: %v", err)
		}
	}
}

func dispatchFrame(frame proto.Frame, ch *Channels) {
	switch frame.MsgType {
	case proto.MsgCardDetected:
		msg, err := proto.DecodeCardDetected(frame.Payload)
		if err != nil {
			log.Printf("serialio: bad card-detected payload: %v", err)
			return
		}
		select {
		case ch.CardDetected <- msg:
		default:
			log.Printf("serialio: card-detected queue full, dropping tap for %s", msg.CardID)
		}
	case proto.MsgCardWriteResult:
		msg, err := proto.DecodeCardWriteResult(frame.Payload)
		if err != nil {
			log.Printf("serialio: bad write-result payload: %v", err)
			return
		}
		select {
		case ch.WriteResult <- msg:
		default:
			log.Printf("serialio: write-result queue full, dropping result")
		}
	default:
		log.Printf("serialio: unhandled frame type 0x%02x", frame.MsgType)
	}
}

// RunTX drains outbound serial commands in order and writes each as a
// framed message. It exits once ch.SerialCmd is closed or ctx is
// cancelled.
func RunTX(ctx context.Context, port io.Writer, ch *Channels) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-ch.SerialCmd:
			if !ok {
				return
			}
			bytes := proto.Encode(cmd.toFrame())
			logBytes("UART TX:", bytes)
			if _, err := port.Write(bytes); err != nil {
				log.Printf("serialio: UART TX error: %v", err)
			}
		}
	}
}

func logBytes(prefix string, b []byte) {
	if len(b) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(' ')
	for i, by := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", by)
	}
	log.Print(sb.String())
}
