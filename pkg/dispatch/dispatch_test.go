package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
	"github.com/reakt/train-relay/pkg/routing"
)

type fakeEndpoint struct {
	transport model.Transport
	sent      [][]byte
}

func (f *fakeEndpoint) Send(p []byte) error {
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}
func (f *fakeEndpoint) Transport() model.Transport { return f.transport }
func (f *fakeEndpoint) Close() error                { return nil }

func newDispatcher() (*Dispatcher, *registry.Registry) {
	reg := registry.New()
	router := routing.New(reg, nil)
	return New(reg, router, nil), reg
}

func TestHandlePacketVideoFansOutToSubscriber(t *testing.T) {
	d, reg := newDispatcher()
	train := &fakeEndpoint{transport: model.TransportWS}
	console := &fakeEndpoint{transport: model.TransportWS}
	reg.AddTrain("t1", train)
	reg.AddConsole("c1", console)
	require.NoError(t, reg.Bind("c1", "t1"))
	<-reg.Events()

	pkt := codec.Packet{Type: codec.PacketVideo, Payload: []byte("frame")}
	d.HandlePacket(model.RoleTrain, "t1", "", pkt)

	require.Len(t, console.sent, 1)
	require.Equal(t, pkt.Encode(), console.sent[0])
}

func TestHandlePacketVideoFromConsoleIsIgnored(t *testing.T) {
	d, reg := newDispatcher()
	console := &fakeEndpoint{transport: model.TransportWS}
	reg.AddTrain("t1", &fakeEndpoint{transport: model.TransportWS})
	reg.AddConsole("c1", console)
	require.NoError(t, reg.Bind("c1", "t1"))
	<-reg.Events()

	d.HandlePacket(model.RoleConsole, "", "c1", codec.Packet{Type: codec.PacketVideo})
	require.Empty(t, console.sent)
}

func TestHandlePacketCommandRoutesToBoundTrain(t *testing.T) {
	d, reg := newDispatcher()
	train := &fakeEndpoint{transport: model.TransportWS}
	reg.AddTrain("t1", train)
	reg.AddConsole("c1", &fakeEndpoint{transport: model.TransportWS})
	require.NoError(t, reg.Bind("c1", "t1"))
	<-reg.Events()

	pkt := codec.Packet{Type: codec.PacketCommand, Payload: []byte(`{"instruction":"STOP"}`)}
	d.HandlePacket(model.RoleConsole, "", "c1", pkt)

	require.Len(t, train.sent, 1)
}

func TestHandlePacketRTTTrainFromConsoleRoutesBackToTrain(t *testing.T) {
	d, reg := newDispatcher()
	train := &fakeEndpoint{transport: model.TransportWS}
	reg.AddTrain("t1", train)
	reg.AddConsole("c1", &fakeEndpoint{transport: model.TransportWS})
	require.NoError(t, reg.Bind("c1", "t1"))
	<-reg.Events()

	pkt := codec.Packet{Type: codec.PacketRTTTrain, Payload: []byte(`{"ts":1}`)}
	d.HandlePacket(model.RoleConsole, "", "c1", pkt)

	require.Len(t, train.sent, 1)
}

func TestHandlePacketControlBindsViaMapConnection(t *testing.T) {
	d, reg := newDispatcher()
	reg.AddTrain("t1", &fakeEndpoint{transport: model.TransportWS})
	reg.AddConsole("c1", &fakeEndpoint{transport: model.TransportWS})

	pkt := codec.Packet{Type: codec.PacketControl, Payload: []byte("MAP_CONNECTION:c1:t1")}
	d.HandlePacket(model.RoleConsole, "", "c1", pkt)

	trainID, bound := reg.TrainOf("c1")
	require.True(t, bound)
	require.Equal(t, model.TrainId("t1"), trainID)
}

func TestHandlePacketControlIgnoresMalformedMapConnection(t *testing.T) {
	d, reg := newDispatcher()
	reg.AddConsole("c1", &fakeEndpoint{transport: model.TransportWS})

	pkt := codec.Packet{Type: codec.PacketControl, Payload: []byte("MAP_CONNECTION:c1")}
	d.HandlePacket(model.RoleConsole, "", "c1", pkt)

	_, bound := reg.TrainOf("c1")
	require.False(t, bound)
}

func TestHandleDisconnectBroadcastsNotificationForTrainOnly(t *testing.T) {
	d, reg := newDispatcher()
	console := &fakeEndpoint{transport: model.TransportWS}
	reg.AddConsole("c1", console)

	d.HandleDisconnect(model.RoleConsole, "", "c1")
	require.Empty(t, console.sent)

	d.HandleDisconnect(model.RoleTrain, "t1", "")
	require.Len(t, console.sent, 1)

	decoded, err := codec.DecodePacket(console.sent[0])
	require.NoError(t, err)
	require.Equal(t, codec.PacketNotification, decoded.Type)

	var evt NotificationEvent
	require.NoError(t, json.Unmarshal(decoded.Payload, &evt))
	require.Equal(t, "disconnected", evt.Event)
	require.Equal(t, model.TrainId("t1"), evt.TrainID)
}

func TestHandleConnectBroadcastsConnectedNotification(t *testing.T) {
	d, reg := newDispatcher()
	console := &fakeEndpoint{transport: model.TransportWS}
	reg.AddConsole("c1", console)

	d.HandleConnect(model.RoleTrain, "t1")
	require.Len(t, console.sent, 1)

	decoded, err := codec.DecodePacket(console.sent[0])
	require.NoError(t, err)
	var evt NotificationEvent
	require.NoError(t, json.Unmarshal(decoded.Payload, &evt))
	require.Equal(t, "connected", evt.Event)
}
