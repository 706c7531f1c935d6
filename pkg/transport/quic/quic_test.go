package quic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/model"
)

// newBareConn builds a Conn with no live quic.Connection, sufficient for
// exercising Send's packet-type routing without a relayLoop goroutine
// draining (and therefore dereferencing) qconn.
func newBareConn() *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		role:       model.RoleTrain,
		trainID:    "t1",
		relayQueue: make(chan []byte, relayQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func TestSendRoutesVideoToDatagramQueue(t *testing.T) {
	c := newBareConn()
	pkt := codec.Packet{Type: codec.PacketVideo, Payload: []byte("frame")}.Encode()

	require.NoError(t, c.Send(pkt))
	require.Len(t, c.relayQueue, 1)
	require.Equal(t, pkt, <-c.relayQueue)
}

func TestSendDropsOldestDatagramWhenQueueFull(t *testing.T) {
	c := newBareConn()
	for i := 0; i < relayQueueSize+5; i++ {
		pkt := codec.Packet{Type: codec.PacketTelemetry, Payload: []byte{byte(i)}}.Encode()
		require.NoError(t, c.Send(pkt))
	}
	require.Len(t, c.relayQueue, relayQueueSize)
}

func TestUint32RoundTrip(t *testing.T) {
	var buf [4]byte
	putUint32(buf[:], 123456789)
	require.Equal(t, uint32(123456789), getUint32(buf[:]))
}

func TestBytesSentStartsZero(t *testing.T) {
	c := newBareConn()
	require.Equal(t, uint64(0), c.BytesSent())
}

func TestTransportReportsQUIC(t *testing.T) {
	c := newBareConn()
	require.Equal(t, model.TransportQUIC, c.Transport())
}
