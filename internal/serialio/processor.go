package serialio

import (
	"context"
	"log"
	"time"

	"taptransit-gateway/internal/engine"
	"taptransit-gateway/internal/netsync"
)

// RunProcessor is the gateway's hot-path worker: it consumes
// card-detected frames one at a time, in order, and turns each into a
// decision. A card lookup is fired off to the network coordinator
// before the decision is computed; the lookup result never gates this
// tap, it only refreshes the cached profile and, if this card is still
// the latest one processed, the displayed tone and fare. The write request (if any) is always queued before the
// ack, mirroring the reader's own write-before-acknowledge contract.
func RunProcessor(ctx context.Context, state *engine.State, ch *Channels) {
	for {
		select {
		case <-ctx.Done():
			return
		case card, ok := <-ch.CardDetected:
			if !ok {
				return
			}
			now := uint64(time.Now().Unix())

			sendNetCmd(ch, netsync.LookupCard(card.CardID))

			decision := state.HandleCardDetected(card, now)

			if decision.WriteRequest != nil {
				sendSerialCmd(ch, WriteCommand(*decision.WriteRequest))
			}
			sendSerialCmd(ch, AckCommand(decision.Ack))

			if decision.UploadRecord != nil {
				select {
				case ch.Upload <- *decision.UploadRecord:
				default:
					log.Printf("serialio: upload queue full, dropping record %s", decision.UploadRecord.RecordID)
				}
			}
			if decision.Registration != nil {
				sendNetCmd(ch, netsync.RegisterCard(*decision.Registration))
			}
		}
	}
}

func sendSerialCmd(ch *Channels, cmd SerialCommand) {
	select {
	case ch.SerialCmd <- cmd:
	default:
		log.Printf("serialio: serial command queue full, dropping command")
	}
}

func sendNetCmd(ch *Channels, cmd netsync.Command) {
	select {
	case ch.NetCmd <- cmd:
	default:
		log.Printf("serialio: net command queue full, dropping command")
	}
}

// RunWriteResultLoop applies each reader write-result report to the
// decision engine's state as it arrives.
func RunWriteResultLoop(ctx context.Context, state *engine.State, ch *Channels) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-ch.WriteResult:
			if !ok {
				return
			}
			nowMs := uint64(time.Now().UnixMilli())
			state.HandleWriteResult(result, nowMs)
		}
	}
}
