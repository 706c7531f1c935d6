// Package ws implements the WebSocket transport (§4.3): an ordered
// reliable stream carrying every packet type, with three cooperative
// goroutines per connection (receiver, sender, heartbeat) and a bounded
// outbound queue applying the drop-oldest-video / block-control
// backpressure policy of §5.
//
// Grounded on the teacher's pkg/bridge.Pacer goroutine-triad and
// channel-based backpressure shape, and on the n0remac-robot-webrtc
// websocket.WebsocketClient read/write pump split using
// github.com/gorilla/websocket (the teacher itself never used
// websockets, but this is the idiomatic gorilla/websocket pattern the
// rest of the retrieved pack converges on).
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
)

const (
	// IdleTimeout is the WS idle eviction threshold (§4.9).
	IdleTimeout = 60 * time.Second
	// HeartbeatInterval matches the 25s keepalive cadence of §5.
	HeartbeatInterval = 25 * time.Second
	// videoQueueSize and controlQueueSize are the bounded outbound queue
	// capacities for video and control-plane packets respectively (§5).
	videoQueueSize   = 256
	controlQueueSize = 64
	// closeGrace bounds how long Close waits for in-flight sends before
	// abandoning them (§5 cancellation semantics).
	closeGrace = 1 * time.Second
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dispatcher receives decoded packets off a Conn's receiver goroutine and
// applies the routing core's rules. It is implemented by
// pkg/dispatch.Dispatcher, kept here as a narrow interface so this package
// never imports pkg/routing directly.
type Dispatcher interface {
	HandlePacket(role model.Role, trainID model.TrainId, consoleID model.ConsoleId, pkt codec.Packet)
	HandleConnect(role model.Role, trainID model.TrainId)
	HandleDisconnect(role model.Role, trainID model.TrainId, consoleID model.ConsoleId)
}

// Conn is one live WebSocket connection, bound to exactly one train or
// console identity for its lifetime, implementing registry.Endpoint.
type Conn struct {
	ws   *websocket.Conn
	log  *logger.Logger
	role model.Role

	trainID   model.TrainId
	consoleID model.ConsoleId

	videoQueue   chan []byte
	controlQueue chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewConn wraps an upgraded *websocket.Conn and starts its sender and
// heartbeat goroutines. Callers must separately run Receive in a goroutine
// of their own (it blocks until the connection closes).
func NewConn(wsConn *websocket.Conn, role model.Role, trainID model.TrainId, consoleID model.ConsoleId, log *logger.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           wsConn,
		log:          log,
		role:         role,
		trainID:      trainID,
		consoleID:    consoleID,
		videoQueue:   make(chan []byte, videoQueueSize),
		controlQueue: make(chan []byte, controlQueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}

	c.wg.Add(2)
	go c.senderLoop()
	go c.heartbeatLoop()

	return c
}

// Transport reports model.TransportWS, satisfying registry.Endpoint.
func (c *Conn) Transport() model.Transport { return model.TransportWS }

// Send enqueues a pre-encoded packet for delivery. Video packets
// (identified by the leading PacketType byte) use the drop-oldest policy
// on a full queue; every other packet type blocks the caller for up to
// closeGrace while the control queue is full, then is dropped (§5: "block control" is bounded by the sender's own drain
// rate, not by blocking routing-core goroutines indefinitely).
func (c *Conn) Send(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	if codec.PacketType(p[0]) == codec.PacketVideo {
		select {
		case c.videoQueue <- p:
		default:
			// Drop-oldest: evict the head of the queue to make room.
			select {
			case <-c.videoQueue:
			default:
			}
			select {
			case c.videoQueue <- p:
			default:
			}
		}
		return nil
	}

	select {
	case c.controlQueue <- p:
		return nil
	case <-time.After(closeGrace):
		if c.log != nil {
			c.log.DebugTransport("control queue full, dropping packet", "train_id", c.trainID, "console_id", c.consoleID)
		}
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// senderLoop drains both queues, giving control-plane packets priority
// over video so commands and clock-sync traffic never wait behind a
// saturated video lane.
func (c *Conn) senderLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case p := <-c.controlQueue:
			if err := c.write(p); err != nil {
				return
			}
		default:
			select {
			case <-c.ctx.Done():
				return
			case p := <-c.controlQueue:
				if err := c.write(p); err != nil {
					return
				}
			case p := <-c.videoQueue:
				if err := c.write(p); err != nil {
					return
				}
			}
		}
	}
}

func (c *Conn) write(p []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(closeGrace))
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (c *Conn) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			keepalive := codec.Packet{Type: codec.PacketKeepalive}.Encode()
			select {
			case c.controlQueue <- keepalive:
			default:
			}
		}
	}
}

// Receive runs the connection's receive loop, decoding inbound frames and
// handing each to dispatcher, until the connection errors or closes. It
// touches reg's liveness tracking on every inbound message (§4.9).
func (c *Conn) Receive(reg *registry.Registry, dispatcher Dispatcher) {
	defer c.Close()
	_ = c.ws.SetReadDeadline(time.Now().Add(IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(IdleTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(IdleTimeout))

		if c.role == model.RoleTrain {
			reg.TouchTrain(c.trainID)
		} else {
			reg.TouchConsole(c.consoleID)
		}

		pkt, err := codec.DecodePacket(data)
		if err != nil {
			if c.log != nil {
				c.log.DebugPacket("dropping malformed or unknown packet", "err", err)
			}
			continue
		}
		dispatcher.HandlePacket(c.role, c.trainID, c.consoleID, pkt)
	}

	dispatcher.HandleDisconnect(c.role, c.trainID, c.consoleID)
}

// Close cancels the connection's goroutines and closes the underlying
// socket. Safe to call multiple times and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeGrace):
		}
		_ = c.ws.Close()
	})
	return nil
}
