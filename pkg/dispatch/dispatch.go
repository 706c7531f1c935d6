// Package dispatch wires a transport's decoded packets into the routing
// core (§4.7): it is the single Dispatcher implementation shared by the
// WS, QUIC, and MQTT transports, so the per-type rules live in exactly
// one place regardless of which transport a packet arrived on.
//
// Grounded on the teacher's pkg/relay.Relay.handleIncoming switch over
// message kind, generalized from a fixed RTP/control pair to the
// relay's full PacketType set.
package dispatch

import (
	"strings"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
	"github.com/reakt/train-relay/pkg/routing"
)

// mapConnectionPrefix is the in-band binding message a console may send
// over any packet transport instead of the HTTP bind endpoint (§6):
// `MAP_CONNECTION:<console_id>:<train_id>`.
const mapConnectionPrefix = "MAP_CONNECTION:"

// NotificationEvent mirrors the wire shape of PacketNotification's JSON
// payload (§6): `{type:"notification", train_id, event}`.
type NotificationEvent struct {
	Type    string        `json:"type"`
	TrainID model.TrainId `json:"train_id"`
	Event   string        `json:"event"`
}

// Dispatcher applies the routing core's per-packet-type rules. It
// satisfies both pkg/transport/ws.Dispatcher and
// pkg/transport/quic.Dispatcher without either transport importing this
// package's types directly (structural interface satisfaction).
type Dispatcher struct {
	reg    *registry.Registry
	router *routing.Router
	log    *logger.Logger
}

// New builds a Dispatcher over the shared registry and routing core.
func New(reg *registry.Registry, router *routing.Router, log *logger.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, router: router, log: log}
}

// HandlePacket applies §4.7's rule set to one decoded packet, attributing
// it to the connection's role and identity.
func (d *Dispatcher) HandlePacket(role model.Role, trainID model.TrainId, consoleID model.ConsoleId, pkt codec.Packet) {
	encoded := pkt.Encode()

	switch pkt.Type {
	case codec.PacketVideo:
		if role == model.RoleTrain {
			d.router.RouteVideo(trainID, encoded)
		}

	case codec.PacketTelemetry, codec.PacketIMU, codec.PacketLidar:
		if role == model.RoleTrain {
			d.router.RouteTelemetry(trainID, encoded)
		}

	case codec.PacketRTTTrain:
		if role == model.RoleTrain {
			// Train emits its own timestamp for subscribers to echo back
			// (§4.7 rule 5): fan out like any other train-originated packet.
			d.router.RouteRTTEcho(trainID, encoded)
		} else {
			// Console's echo, carrying its own timestamp, routes back to
			// the train as a point-to-point command so the train can
			// compute the RTT sample (§4.10).
			_ = d.router.RouteCommand(consoleID, encoded)
		}

	case codec.PacketCommand:
		if role == model.RoleConsole {
			if err := d.router.RouteCommand(consoleID, encoded); err != nil {
				if d.log != nil {
					d.log.DebugTransport("command dropped, no route", "console_id", consoleID, "err", err)
				}
			}
		}

	case codec.PacketKeepalive:
		// Liveness is already recorded by the transport's receive loop on
		// every inbound message; no further action needed.

	case codec.PacketDownloadStart, codec.PacketDownloading, codec.PacketDownloadEnd,
		codec.PacketUploadStart, codec.PacketUploading, codec.PacketUploadEnd:
		// Speed-test packets are ignored on the packet-transport path; speed-test
		// byte accounting happens only in the HTTP speed-test endpoints.

	case codec.PacketMapAck:
		// map_ack triggers the train's own clock-sync handshake (§4.10);
		// the relay itself only needs to forward it like any other
		// console-to-train command.
		if role == model.RoleConsole {
			_ = d.router.RouteCommand(consoleID, encoded)
		}

	case codec.PacketControl:
		if role == model.RoleConsole {
			d.handleMapConnection(consoleID, pkt.Payload)
		}

	default:
		if d.log != nil {
			d.log.DebugPacket("unhandled packet type", "type", pkt.Type)
		}
	}
}

// handleMapConnection parses an in-band `MAP_CONNECTION:<console_id>:<train_id>`
// control frame and binds the console to the named train, mirroring the
// POST /api/remote_control/{console_id}/train/{train_id} HTTP path in
// pkg/api/server.go's handleRemoteControl. The console id embedded in the
// message is informational only; the caller's own identity (from the
// transport's identification handshake) is authoritative.
func (d *Dispatcher) handleMapConnection(consoleID model.ConsoleId, payload []byte) {
	text := string(payload)
	if !strings.HasPrefix(text, mapConnectionPrefix) {
		if d.log != nil {
			d.log.DebugPacket("unrecognised control frame", "payload", text)
		}
		return
	}

	fields := strings.SplitN(strings.TrimPrefix(text, mapConnectionPrefix), ":", 2)
	if len(fields) != 2 || fields[1] == "" {
		if d.log != nil {
			d.log.DebugPacket("malformed MAP_CONNECTION frame", "payload", text)
		}
		return
	}
	trainID := model.TrainId(fields[1])

	if err := d.reg.Bind(consoleID, trainID); err != nil {
		if d.log != nil {
			d.log.DebugTransport("in-band bind failed", "console_id", consoleID, "train_id", trainID, "err", err)
		}
	}
}

// HandleDisconnect broadcasts a disconnected notification for a departing
// train (§4.7 rule 3) and otherwise performs no further action — console
// disconnects and registry cleanup are handled by the owning transport.
func (d *Dispatcher) HandleDisconnect(role model.Role, trainID model.TrainId, consoleID model.ConsoleId) {
	if role != model.RoleTrain {
		return
	}
	d.broadcastNotification(trainID, "disconnected")
}

// HandleConnect broadcasts a connected notification for a newly arrived
// train. Called by the owning transport immediately after
// registry.AddTrain, supplementing the distilled spec's disconnect-only
// broadcast with a symmetric connect broadcast (see SPEC_FULL.md
// supplemented features).
func (d *Dispatcher) HandleConnect(role model.Role, trainID model.TrainId) {
	if role != model.RoleTrain {
		return
	}
	d.broadcastNotification(trainID, "connected")
}

func (d *Dispatcher) broadcastNotification(trainID model.TrainId, event string) {
	pkt, err := codec.EncodeJSON(codec.PacketNotification, NotificationEvent{
		Type:    "notification",
		TrainID: trainID,
		Event:   event,
	})
	if err != nil {
		return
	}
	d.router.BroadcastNotification(pkt.Encode())
}
