package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/model"
)

// newServerConn spins up a one-shot WS server and returns both ends: the
// transport Conn wrapping the server side, and a raw client conn to read
// what the server writes.
func newServerConn(t *testing.T) (*Conn, *websocket.Conn, func()) {
	t.Helper()

	var serverConn *Conn
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = NewConn(wsConn, model.RoleTrain, "t1", "", nil)
		close(ready)
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	<-ready

	cleanup := func() {
		_ = serverConn.Close()
		_ = client.Close()
		srv.Close()
	}
	return serverConn, client, cleanup
}

func TestSendDeliversControlPacket(t *testing.T) {
	server, client, cleanup := newServerConn(t)
	defer cleanup()

	pkt := codec.Packet{Type: codec.PacketCommand, Payload: []byte("go")}.Encode()
	require.NoError(t, server.Send(pkt))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, pkt, got)
}

func TestSendNeverErrorsWhenVideoQueueSaturated(t *testing.T) {
	server, _, cleanup := newServerConn(t)
	defer cleanup()

	// Stop the sender from draining by cancelling it directly is not
	// exposed; instead fill the bounded queue faster than delivery by
	// writing more than its capacity in one burst without yielding.
	for i := 0; i < videoQueueSize+10; i++ {
		pkt := codec.Packet{Type: codec.PacketVideo, Payload: []byte{byte(i)}}.Encode()
		require.NoError(t, server.Send(pkt))
	}
	// No assertion on exact drop count: the point under test is that
	// Send never blocks or errors even when the queue is saturated.
}

func TestTransportReportsWS(t *testing.T) {
	server, _, cleanup := newServerConn(t)
	defer cleanup()
	require.Equal(t, model.TransportWS, server.Transport())
}
