package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
)

// WSClient is the train agent's WebSocket leg: it dials the relay's
// `/ws/train/{train_id}` path (§6) and pumps inbound commands into an
// Agent while exposing itself as a Sender for the Pacer's video/telemetry
// output. WS has no in-band HELLO the way QUIC does (§6 "QUIC
// identification"); the URL path itself identifies the train, so a
// successful dial is treated as immediate identification.
//
// Grounded on the teacher's CameraRelay.Start three-goroutine shape
// (read/monitor loops) reduced here to the two loops a client leg needs:
// a read pump and a heartbeat-independent write path via Send.
type WSClient struct {
	conn *websocket.Conn
	log  *logger.Logger

	writeMu sync.Mutex

	agent *Agent

	rttMu     sync.Mutex
	rttWaiter chan int64

	ctx    context.Context
	cancel context.CancelFunc
}

// DialTrain connects to addr's `/ws/train/{trainID}` path and runs the
// agent's Identifying -> Idle transition immediately on success.
func DialTrain(ctx context.Context, addr string, trainID model.TrainId, a *Agent, log *logger.Logger) (*WSClient, error) {
	url := fmt.Sprintf("%s/ws/train/%s", addr, trainID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial train ws %s: %w", url, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &WSClient{conn: conn, log: log, agent: a, ctx: cctx, cancel: cancel}

	a.OnTransportConnect()
	a.OnHello() // no explicit HELLO frame on WS; the upgrade itself identifies the train

	return c, nil
}

// Send implements agent.Sender: writes one pre-framed packet to the relay.
func (c *WSClient) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

// SendCommand is a convenience wrapper sending a non-video packet, used
// for rtt_train samples.
func (c *WSClient) SendCommand(pkt codec.Packet) error {
	return c.Send(pkt.Encode())
}

// RTTSampler adapts this client into an agent.RTTSampler: sends an
// rtt_train packet carrying trainTimestampMs and waits for the console's
// echo to arrive on the shared read pump. Only one sample may be
// in flight at a time per client, which matches ClockSync.Run's
// sequential sampling.
func (c *WSClient) RTTSampler() RTTSampler {
	return func(ctx context.Context, trainTimestampMs int64) (int64, error) {
		ch := make(chan int64, 1)
		c.registerRTTWaiter(ch)
		defer c.clearRTTWaiter(ch)

		if err := c.SendCommand(NewRTTPacket(trainTimestampMs)); err != nil {
			return 0, err
		}

		select {
		case remoteMs := <-ch:
			return remoteMs, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (c *WSClient) registerRTTWaiter(ch chan int64) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	c.rttWaiter = ch
}

func (c *WSClient) clearRTTWaiter(ch chan int64) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	if c.rttWaiter == ch {
		c.rttWaiter = nil
	}
}

// Run reads frames until the connection closes, dispatching each to the
// agent: commands are applied via HandleCommand, rtt_train echoes wake
// any pending RTTSampler call, keepalives are simply drained.
func (c *WSClient) Run() {
	defer func() {
		c.agent.OnTransportDisconnect()
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		pkt, err := codec.DecodePacket(data)
		if err != nil {
			if c.log != nil {
				c.log.DebugPacket("train client dropping malformed packet", "err", err)
			}
			continue
		}

		switch pkt.Type {
		case codec.PacketCommand:
			var cmd Command
			if err := codec.DecodeJSON(pkt.Payload, &cmd); err != nil {
				continue
			}
			_ = c.agent.HandleCommand(cmd)

		case codec.PacketRTTTrain:
			c.rttMu.Lock()
			waiter := c.rttWaiter
			c.rttMu.Unlock()
			if waiter != nil {
				var echo struct {
					RemoteTimestamp int64 `json:"remote_timestamp"`
				}
				if err := codec.DecodeJSON(pkt.Payload, &echo); err == nil {
					select {
					case waiter <- echo.RemoteTimestamp:
					default:
					}
				}
			}

		case codec.PacketMapAck:
			var ack struct {
				RemoteControlID string `json:"remote_control_id"`
			}
			if err := codec.DecodeJSON(pkt.Payload, &ack); err != nil || ack.RemoteControlID == "" {
				continue
			}
			go c.runClockSync(model.ConsoleId(ack.RemoteControlID))

		case codec.PacketKeepalive:
			// liveness only; nothing to forward to the agent.
		}
	}
}

// runClockSync drives the N-sample handshake against the console that just
// bound to this train (signalled by a map_ack), bounded so a console that
// vanishes mid-handshake can't leak a goroutine.
func (c *WSClient) runClockSync(consoleID model.ConsoleId) {
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()

	offset, err := c.agent.RunClockSyncHandshake(ctx, consoleID, c.RTTSampler())
	if err != nil {
		if c.log != nil {
			c.log.Warn("clock sync handshake failed", "console_id", consoleID, "err", err)
		}
		return
	}
	if c.log != nil {
		c.log.Info("clock sync established", "console_id", consoleID, "offset_ms", int64(offset))
	}
}

// Close tears down the client connection.
func (c *WSClient) Close() error {
	c.cancel()
	return c.conn.Close()
}
