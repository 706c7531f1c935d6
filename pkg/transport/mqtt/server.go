package mqtt

import (
	"sync"

	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
	"github.com/reakt/train-relay/pkg/routing"
)

// Connector is the subset of the relay's connect/disconnect notification
// hook this package needs, kept narrow so it never imports pkg/dispatch.
type Connector interface {
	HandleConnect(role model.Role, trainID model.TrainId)
}

// Wire dials the broker and hands every inbound record to the routing
// core, registering each train's command endpoint lazily on first sight
// (§4.5: the MQTT adapter never runs an explicit identification
// handshake the way WS/QUIC do — a train is "known" the moment it
// publishes).
func Wire(brokerURL, clientID string, reg *registry.Registry, router *routing.Router, connector Connector, log *logger.Logger) (*Bus, error) {
	w := &wiring{reg: reg, router: router, connector: connector, log: log, known: make(map[model.TrainId]struct{})}

	bus, err := Dial(brokerURL, clientID, log, w.handle)
	if err != nil {
		return nil, err
	}
	w.bus = bus
	return bus, nil
}

type wiring struct {
	reg       *registry.Registry
	router    *routing.Router
	connector Connector
	log       *logger.Logger
	bus       *Bus

	mu    sync.Mutex
	known map[model.TrainId]struct{}
}

func (w *wiring) handle(rec Record) {
	w.reg.TouchTrain(rec.TrainID)
	w.ensureRegistered(rec.TrainID)

	if rec.Kind != "telemetry" {
		// status/heartbeat only update liveness; they are not fanned out
		// (§4.5 forwards telemetry only).
		return
	}

	pkt := codec.Packet{Type: codec.PacketTelemetry, Payload: rec.Raw}
	w.router.RouteTelemetry(rec.TrainID, pkt.Encode())
}

// ensureRegistered adds trainID's MQTT command endpoint to the registry
// the first time it is seen. w.bus is guaranteed set by the time any
// message callback fires: paho only begins invoking subscription
// callbacks once Dial's Subscribe calls have acknowledged, and Wire
// assigns w.bus immediately after Dial returns, before the caller can
// observe the Bus at all.
func (w *wiring) ensureRegistered(trainID model.TrainId) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.known[trainID]; ok {
		return
	}
	w.known[trainID] = struct{}{}
	w.reg.AddTrain(trainID, NewEndpoint(w.bus, trainID))
	if w.connector != nil {
		w.connector.HandleConnect(model.RoleTrain, trainID)
	}
}
