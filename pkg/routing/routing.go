// Package routing implements the central rule set applied by every
// transport's receiver (§4.7): train-to-console fan-out for video,
// telemetry and RTT-echo packets, train-to-all notification broadcast,
// and console-to-train point-routed commands.
//
// Grounded on the teacher's pkg/relay.Relay.forwardToViewers dispatch,
// generalized from "one camera, many viewers" to "many trains, many
// consoles" with an explicit per-type rule table and the QUIC>WS>MQTT
// tie-break the teacher never needed (it only ever had one transport).
package routing

import (
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
	"github.com/reakt/train-relay/pkg/relayerr"
)

// dataPreference is the outbound tie-break order for train-originated
// data (video, telemetry, RTT echo): QUIC datagram first, then WS, never
// MQTT (§4.7 rule 1, rule 5).
var dataPreference = []model.Transport{model.TransportQUIC, model.TransportWS}

// commandPreference is the outbound order for console-originated commands,
// which must land on a reliable lane; QUIC's control stream and WS are
// both reliable, MQTT command topics are reliable too (QoS1) so it is
// included as a last resort (§4.7 rule 4).
var commandPreference = []model.Transport{model.TransportQUIC, model.TransportWS, model.TransportMQTT}

// Router is the routing core: a thin stateless adapter over a
// *registry.Registry that applies §4.7's per-packet-type rules. It holds
// no state of its own beyond a reference to the registry and a logger.
type Router struct {
	reg *registry.Registry
	log *logger.Logger
}

// New builds a Router over reg. log may be nil, in which case the package
// default logger is used for drop/NoRoute diagnostics.
func New(reg *registry.Registry, log *logger.Logger) *Router {
	return &Router{reg: reg, log: log}
}

func (r *Router) logf() func(string, ...any) {
	if r.log != nil {
		return r.log.DebugTransport
	}
	return logger.Debug
}

// RouteVideo fans a train's video packet out to every bound console, each
// on its own preferred transport (rule 1). Never forwarded to MQTT.
func (r *Router) RouteVideo(trainID model.TrainId, packet []byte) {
	r.fanOut(trainID, packet)
}

// RouteTelemetry fans a train's telemetry packet out identically to video
// (rule 2): same subscriber set, same tie-break, best-effort ordered.
func (r *Router) RouteTelemetry(trainID model.TrainId, packet []byte) {
	r.fanOut(trainID, packet)
}

// RouteRTTEcho forwards a train's rtt_train packet to its subscribers so
// each console can echo it back with its own timestamp (rule 5). It is
// never interpreted by the routing core; the train's own clock-sync logic
// consumes the eventual echo.
func (r *Router) RouteRTTEcho(trainID model.TrainId, packet []byte) {
	r.fanOut(trainID, packet)
}

func (r *Router) fanOut(trainID model.TrainId, packet []byte) {
	for _, consoleID := range r.reg.SubscribersOf(trainID) {
		ep := r.reg.ConsoleEndpoint(consoleID, dataPreference)
		if ep == nil {
			continue // no live transport for this console; drop silently
		}
		if err := ep.Send(packet); err != nil {
			// Subscriber send failure: remove it from the registry, do not
			// surface to the sending train (§4.11).
			r.reg.RemoveConsole(consoleID, ep.Transport())
			r.logf()("subscriber send failed, removed from registry", "console_id", consoleID, "train_id", trainID, "err", err)
		}
	}
}

// BroadcastNotification sends a train-connected/train-disconnected style
// notification to every console in the registry, irrespective of binding
// (rule 3), used to refresh the fleet list.
func (r *Router) BroadcastNotification(packet []byte) {
	for _, consoleID := range r.reg.ListConsoles() {
		ep := r.reg.ConsoleEndpoint(consoleID, dataPreference)
		if ep == nil {
			continue
		}
		if err := ep.Send(packet); err != nil {
			r.reg.RemoveConsole(consoleID, ep.Transport())
			r.logf()("notification send failed, removed console from registry", "console_id", consoleID, "err", err)
		}
	}
}

// RouteCommand sends a console's command packet to the train it is bound
// to, on the train's highest-ranked live reliable transport (rule 4); the
// console's own transports do not affect the choice.
// Returns ErrNoRoute if the console is unbound or its train has no live
// transport.
func (r *Router) RouteCommand(consoleID model.ConsoleId, packet []byte) error {
	trainID, bound := r.reg.TrainOf(consoleID)
	if !bound {
		r.logf()("command dropped, console not bound to any train", "console_id", consoleID)
		return relayerr.ErrNoRoute
	}
	return r.RouteSystemCommand(trainID, packet)
}

// RouteSystemCommand sends a packet directly to trainID on the
// highest-ranked reliable transport it is reachable on, bypassing the
// console-to-train lookup RouteCommand does. Used for commands the relay
// itself originates (START_SENDING_DATA/STOP_SENDING_DATA on a bind
// transition, §4.2/§9) rather than ones a console issued.
func (r *Router) RouteSystemCommand(trainID model.TrainId, packet []byte) error {
	ep := r.reg.TrainEndpoint(trainID, commandPreference)
	if ep == nil {
		r.logf()("system command dropped, train has no live transport", "train_id", trainID)
		return relayerr.ErrNoRoute
	}

	if err := ep.Send(packet); err != nil {
		r.reg.RemoveTrain(trainID, ep.Transport())
		r.logf()("system command send failed, removed train endpoint from registry", "train_id", trainID, "err", err)
		return relayerr.ErrNoRoute
	}
	return nil
}
