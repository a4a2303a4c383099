package serialio

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taptransit-gateway/internal/carddata"
	"taptransit-gateway/internal/engine"
	"taptransit-gateway/internal/model"
	"taptransit-gateway/internal/netsync"
	"taptransit-gateway/internal/proto"
)

func cardWithBalance(t *testing.T, uidHex string, balanceCents uint32) []byte {
	t.Helper()
	uid, err := carddata.DecodeUIDHex(uidHex)
	require.NoError(t, err)
	card := carddata.New(uid)
	card.BalanceCents = balanceCents
	encoded := card.Encode()
	return encoded[:]
}

// pipePort is an in-memory io.ReadWriteCloser standing in for a UART
// handle: frames fed with feedRX are what RunRX reads back, and
// readTXFrame returns what RunTX wrote.
type pipePort struct {
	toRX  *io.PipeReader
	toRXw *io.PipeWriter
	toTX  *io.PipeReader
	toTXw *io.PipeWriter
}

func newPipePort() *pipePort {
	rxr, rxw := io.Pipe()
	txr, txw := io.Pipe()
	return &pipePort{toRX: rxr, toRXw: rxw, toTX: txr, toTXw: txw}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.toRX.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.toTXw.Write(b) }
func (p *pipePort) Close() error {
	p.toRXw.Close()
	p.toTX.Close()
	return nil
}

func (p *pipePort) feedRX(frame proto.Frame) {
	p.toRXw.Write(proto.Encode(frame))
}

func (p *pipePort) readTXFrame(t *testing.T) proto.Frame {
	t.Helper()
	buf := make([]byte, 256)
	n, err := p.toTX.Read(buf)
	require.NoError(t, err)
	frame, err := proto.Decode(buf[:n])
	require.NoError(t, err)
	return frame
}

func TestRunRXDispatchesCardDetected(t *testing.T) {
	port := newPipePort()
	ch := NewChannels()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunRX(ctx, port, ch)

	detected := proto.CardDetected{CardID: "AABBCCDD", TapTime: 42, ReaderID: 1}
	port.feedRX(detected.ToFrame())

	select {
	case got := <-ch.CardDetected:
		assert.Equal(t, "AABBCCDD", got.CardID)
		assert.Equal(t, uint64(42), got.TapTime)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for card-detected dispatch")
	}
}

func TestRunRXDispatchesWriteResult(t *testing.T) {
	port := newPipePort()
	ch := NewChannels()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunRX(ctx, port, ch)

	port.feedRX(proto.CardWriteResult{Result: 1, BlockStart: 4, BlockCount: 2}.ToFrame())

	select {
	case got := <-ch.WriteResult:
		assert.Equal(t, byte(1), got.Result)
		assert.Equal(t, byte(4), got.BlockStart)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write-result dispatch")
	}
}

func TestRunTXWritesAckFrame(t *testing.T) {
	port := newPipePort()
	ch := NewChannels()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunTX(ctx, port, ch)

	ch.SerialCmd <- AckCommand(proto.Accepted())

	frame := port.readTXFrame(t)
	assert.Equal(t, byte(proto.MsgCardAck), frame.MsgType)
	ack, err := proto.DecodeCardAck(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, byte(1), ack.Result)
}

func TestRunTXWritesWriteCommandBeforeAck(t *testing.T) {
	port := newPipePort()
	ch := NewChannels()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunTX(ctx, port, ch)

	ch.SerialCmd <- WriteCommand(proto.CardWriteRequest{CardID: "AABBCCDD", BlockStart: 4, BlockCount: 2})
	ch.SerialCmd <- AckCommand(proto.Rejected())

	first := port.readTXFrame(t)
	assert.Equal(t, byte(proto.MsgCardWriteReq), first.MsgType)
	second := port.readTXFrame(t)
	assert.Equal(t, byte(proto.MsgCardAck), second.MsgType)
}

func TestRunProcessorForwardsLookupAndSendsAck(t *testing.T) {
	settings := model.DefaultGatewaySettings("gw-1")
	state := engine.Bootstrap(settings)
	ch := NewChannels()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunProcessor(ctx, state, ch)

	ch.CardDetected <- proto.CardDetected{CardID: "AABBCCDD", TapTime: 1}

	select {
	case cmd := <-ch.NetCmd:
		assert.Equal(t, netsync.CmdLookupCard, cmd.Kind)
		assert.Equal(t, "AABBCCDD", cmd.CardID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lookup command")
	}

	select {
	case cmd := <-ch.SerialCmd:
		assert.Equal(t, byte(proto.MsgCardAck), cmd.toFrame().MsgType)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack command")
	}
}

func TestRunWriteResultLoopClearsRechargeOnSuccess(t *testing.T) {
	settings := model.DefaultGatewaySettings("gw-1")
	state := engine.Bootstrap(settings)
	state.SetRecharge(500, 1000)

	d := state.HandleCardDetected(proto.CardDetected{
		CardID:   "AABBCCDD",
		TapTime:  1,
		CardData: cardWithBalance(t, "AABBCCDD", 200),
	}, 1)
	require.NotNil(t, d.WriteRequest)
	require.True(t, state.Status(1000).RechargeActive)

	ch := NewChannels()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunWriteResultLoop(ctx, state, ch)

	ch.WriteResult <- proto.CardWriteResult{Result: 1}

	require.Eventually(t, func() bool {
		return !state.Status(1000).RechargeActive
	}, 2*time.Second, 10*time.Millisecond)
}
