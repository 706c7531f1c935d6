// Package registry holds the single process-wide SessionRegistry: the
// authoritative routing table mapping trains and consoles to their live
// per-transport endpoints, and the console<->train binding.
//
// Grounded on the teacher's pkg/relay.MultiCameraRelay: a
// map-protected-by-sync.RWMutex of per-entity state with a reconcile-style
// mutation API, generalized here from "one relay per camera" to the
// bipartite train/console binding model of §3-4.2.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/relayerr"
)

// Endpoint is the runtime handle for one live connection on one transport.
// Transports implement Endpoint so the registry never needs to know the
// concrete transport type to route to it.
type Endpoint interface {
	// Send enqueues a packet for delivery on this endpoint's transport.
	// Implementations apply their own per-type backpressure policy (§5).
	Send(p []byte) error
	// Transport reports which transport this endpoint belongs to.
	Transport() model.Transport
	// Close tears down the underlying connection.
	Close() error
}

// endpointSet maps each transport an entity is reachable on to its Endpoint.
type endpointSet map[model.Transport]Endpoint

// entityState tracks liveness alongside the endpoint set.
type entityState struct {
	endpoints    endpointSet
	lastActivity time.Time
}

// Registry is the single authoritative routing table (§3 SessionRegistry).
// A single mutex guards all mutations; reads that only need a point-in-time
// snapshot (SubscribersOf, ListTrains) copy out under the same lock and can
// then be iterated lock-free by the caller.
type Registry struct {
	mu sync.RWMutex

	trains   map[model.TrainId]*entityState
	consoles map[model.ConsoleId]*entityState

	consoleToTrain map[model.ConsoleId]model.TrainId
	trainToConsoles map[model.TrainId]map[model.ConsoleId]struct{}

	// events notifies the routing core of binds, unbinds and departed
	// trains so it can emit
	// STOP_SENDING_DATA / START_SENDING_DATA / disconnect notifications
	// without the registry importing the routing package (avoids the
	// cyclic reference the teacher's RemoteControlManager/ServerController
	// pair had — see DESIGN NOTES §9).
	events chan Event
}

// EventKind enumerates the side effects a registry mutation can produce.
type EventKind int

const (
	EventStartSendingData EventKind = iota
	EventStopSendingData
	EventTrainGone
	EventConsoleUnbound
)

// Event is emitted on the Registry's event channel after a mutation that
// requires a transport-level side effect (§4.2).
type Event struct {
	Kind    EventKind
	TrainID model.TrainId
	// ConsoleIDs is populated for EventTrainGone/EventConsoleUnbound: the
	// consoles that need to be notified or that lost their binding.
	ConsoleIDs []model.ConsoleId
}

// New creates an empty Registry. events should be read continuously by
// the routing core; it is buffered generously so registry mutations never
// block on a slow consumer (mutations are on the hot path for binds).
func New() *Registry {
	return &Registry{
		trains:          make(map[model.TrainId]*entityState),
		consoles:        make(map[model.ConsoleId]*entityState),
		consoleToTrain:  make(map[model.ConsoleId]model.TrainId),
		trainToConsoles: make(map[model.TrainId]map[model.ConsoleId]struct{}),
		events:          make(chan Event, 256),
	}
}

// Events returns the channel of side-effect notifications produced by
// mutations. Callers should range over it for the registry's lifetime.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) emit(e Event) {
	select {
	case r.events <- e:
	default:
		// Event channel is generously sized; a full channel means the
		// routing core has stopped draining it, which is a programmer
		// error elsewhere in the process, not a reason to block a
		// registry mutation.
	}
}

// AddTrain registers (or re-registers) a train's endpoint on one
// transport. Idempotent: replacing an existing transport entry for the
// same train closes the old endpoint first.
func (r *Registry) AddTrain(id model.TrainId, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.trains[id]
	if !ok {
		st = &entityState{endpoints: make(endpointSet)}
		r.trains[id] = st
	}
	if old, exists := st.endpoints[ep.Transport()]; exists && old != ep {
		_ = old.Close()
	}
	st.endpoints[ep.Transport()] = ep
	st.lastActivity = time.Now()
}

// RemoveTrain removes one transport's endpoint for a train. When the
// train's last endpoint across all transports is removed, every bound
// console is unbound and an EventTrainGone is emitted for them (§4.2).
// Idempotent.
func (r *Registry) RemoveTrain(id model.TrainId, transport model.Transport) {
	r.mu.Lock()

	st, ok := r.trains[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(st.endpoints, transport)
	if len(st.endpoints) > 0 {
		r.mu.Unlock()
		return
	}

	// Last transport gone: the train itself is gone.
	delete(r.trains, id)
	consoleSet := r.trainToConsoles[id]
	delete(r.trainToConsoles, id)

	var affected []model.ConsoleId
	for cid := range consoleSet {
		delete(r.consoleToTrain, cid)
		affected = append(affected, cid)
	}

	r.mu.Unlock()

	if len(affected) > 0 {
		r.emit(Event{Kind: EventTrainGone, TrainID: id, ConsoleIDs: affected})
	}
}

// AddConsole registers (or re-registers) a console's endpoint on one
// transport. Idempotent.
func (r *Registry) AddConsole(id model.ConsoleId, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.consoles[id]
	if !ok {
		st = &entityState{endpoints: make(endpointSet)}
		r.consoles[id] = st
	}
	if old, exists := st.endpoints[ep.Transport()]; exists && old != ep {
		_ = old.Close()
	}
	st.endpoints[ep.Transport()] = ep
	st.lastActivity = time.Now()
}

// RemoveConsole removes one transport's endpoint for a console. When the
// console's last endpoint is removed, it is also unbound from any train.
// Idempotent.
func (r *Registry) RemoveConsole(id model.ConsoleId, transport model.Transport) {
	r.mu.Lock()
	st, ok := r.consoles[id]
	if ok {
		delete(st.endpoints, transport)
		if len(st.endpoints) == 0 {
			delete(r.consoles, id)
		}
	}
	gone := !ok || len(st.endpoints) == 0
	r.mu.Unlock()

	if gone {
		r.Unbind(id)
	}
}

// Bind attaches consoleId to trainId. If the console was previously bound
// to a different train, the old binding's reverse-index entry is removed
// first and, if that was the old train's last subscriber, an
// EventStopSendingData fires for the old train; the new binding is then
// installed and, if this is the new train's first subscriber, an
// EventStartSendingData fires for the new train (§4.2, §9 open question).
// Returns ErrUnknownTrain if trainId is not present.
func (r *Registry) Bind(consoleId model.ConsoleId, trainId model.TrainId) error {
	r.mu.Lock()

	if _, ok := r.trains[trainId]; !ok {
		r.mu.Unlock()
		return relayerr.ErrUnknownTrain
	}

	var stopTrain model.TrainId
	var stopNeeded bool

	if oldTrain, bound := r.consoleToTrain[consoleId]; bound {
		if oldTrain == trainId {
			r.mu.Unlock()
			return nil // already bound, idempotent
		}
		if set, ok := r.trainToConsoles[oldTrain]; ok {
			delete(set, consoleId)
			if len(set) == 0 {
				delete(r.trainToConsoles, oldTrain)
				stopTrain = oldTrain
				stopNeeded = true
			}
		}
	}

	r.consoleToTrain[consoleId] = trainId
	set, ok := r.trainToConsoles[trainId]
	startNeeded := !ok || len(set) == 0
	if !ok {
		set = make(map[model.ConsoleId]struct{})
		r.trainToConsoles[trainId] = set
	}
	set[consoleId] = struct{}{}

	r.checkInvariantLocked()
	r.mu.Unlock()

	if stopNeeded {
		r.emit(Event{Kind: EventStopSendingData, TrainID: stopTrain})
	}
	if startNeeded {
		r.emit(Event{Kind: EventStartSendingData, TrainID: trainId})
	}
	return nil
}

// Unbind detaches consoleId from whatever train it is bound to. Idempotent
// (a no-op on an unbound console). Emits EventStopSendingData if this was
// the train's last subscriber (§9 standardized transition rule).
func (r *Registry) Unbind(consoleId model.ConsoleId) {
	r.mu.Lock()

	trainId, bound := r.consoleToTrain[consoleId]
	if !bound {
		r.mu.Unlock()
		return
	}
	delete(r.consoleToTrain, consoleId)

	stopNeeded := false
	if set, ok := r.trainToConsoles[trainId]; ok {
		delete(set, consoleId)
		if len(set) == 0 {
			delete(r.trainToConsoles, trainId)
			stopNeeded = true
		}
	}

	r.checkInvariantLocked()
	r.mu.Unlock()

	if stopNeeded {
		r.emit(Event{Kind: EventStopSendingData, TrainID: trainId})
	}
	r.emit(Event{Kind: EventConsoleUnbound, ConsoleIDs: []model.ConsoleId{consoleId}})
}

// SubscribersOf returns a snapshot of consoles currently bound to trainId,
// safe to iterate without holding any lock.
func (r *Registry) SubscribersOf(trainId model.TrainId) []model.ConsoleId {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.trainToConsoles[trainId]
	out := make([]model.ConsoleId, 0, len(set))
	for cid := range set {
		out = append(out, cid)
	}
	return out
}

// TrainOf returns the train a console is bound to, if any.
func (r *Registry) TrainOf(consoleId model.ConsoleId) (model.TrainId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.consoleToTrain[consoleId]
	return t, ok
}

// ListTrains returns a snapshot of every currently-registered train id.
func (r *Registry) ListTrains() []model.TrainId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.TrainId, 0, len(r.trains))
	for id := range r.trains {
		out = append(out, id)
	}
	return out
}

// ListConsoles returns a snapshot of every currently-registered console id,
// used by the routing core's broadcast-notification fan-out (§4.7 rule 3).
func (r *Registry) ListConsoles() []model.ConsoleId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ConsoleId, 0, len(r.consoles))
	for id := range r.consoles {
		out = append(out, id)
	}
	return out
}

// trainEndpoint returns the best-ranked live endpoint for a train given a
// preference order, or nil if none of the requested transports are live.
// preferred transports should be passed most-preferred first.
func (r *Registry) trainEndpoint(id model.TrainId, preferred []model.Transport) Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.trains[id]
	if !ok {
		return nil
	}
	for _, tr := range preferred {
		if ep, ok := st.endpoints[tr]; ok {
			return ep
		}
	}
	return nil
}

func (r *Registry) consoleEndpoint(id model.ConsoleId, preferred []model.Transport) Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.consoles[id]
	if !ok {
		return nil
	}
	for _, tr := range preferred {
		if ep, ok := st.endpoints[tr]; ok {
			return ep
		}
	}
	return nil
}

// TrainEndpoint is the exported form of trainEndpoint for the routing core.
func (r *Registry) TrainEndpoint(id model.TrainId, preferred []model.Transport) Endpoint {
	return r.trainEndpoint(id, preferred)
}

// ConsoleEndpoint is the exported form of consoleEndpoint for the routing core.
func (r *Registry) ConsoleEndpoint(id model.ConsoleId, preferred []model.Transport) Endpoint {
	return r.consoleEndpoint(id, preferred)
}

// TouchTrain / TouchConsole record last-activity; called by each
// transport's receiver on every inbound packet. Nothing in the relay reads
// the value back: idle eviction (§4.9) comes from the transports' own read
// deadlines and QUIC idle timeout.
func (r *Registry) TouchTrain(id model.TrainId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.trains[id]; ok {
		st.lastActivity = time.Now()
	}
}

func (r *Registry) TouchConsole(id model.ConsoleId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.consoles[id]; ok {
		st.lastActivity = time.Now()
	}
}

// checkInvariantLocked enforces: for each consoleId in consoleToTrain,
// consoleId is a member of trainToConsoles[consoleToTrain[consoleId]], and
// conversely. Must be called with mu held. A violation represents a
// programmer error in this file, not a recoverable runtime condition
// (§4.11): it panics so the process aborts rather than serving from a
// corrupted routing table.
func (r *Registry) checkInvariantLocked() {
	for cid, tid := range r.consoleToTrain {
		set, ok := r.trainToConsoles[tid]
		if !ok {
			panic(&relayerr.InvariantViolation{Detail: fmt.Sprintf("console %s points to train %s with no reverse index", cid, tid)})
		}
		if _, ok := set[cid]; !ok {
			panic(&relayerr.InvariantViolation{Detail: fmt.Sprintf("console %s missing from trainToConsoles[%s]", cid, tid)})
		}
	}
	for tid, set := range r.trainToConsoles {
		for cid := range set {
			if got, ok := r.consoleToTrain[cid]; !ok || got != tid {
				panic(&relayerr.InvariantViolation{Detail: fmt.Sprintf("trainToConsoles[%s] contains console %s with inconsistent consoleToTrain", tid, cid)})
			}
		}
	}
}
