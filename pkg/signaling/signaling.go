// Package signaling implements the WebRTC signaling passthrough (§4.6):
// two WebSocket paths, one per role, registered against an in-memory map
// keyed by train id. An offer or ICE candidate from one role is forwarded
// verbatim to every peer of the opposite role bound to the same train id.
// No session state is inspected; this package never touches media.
//
// Grounded on the teacher's pkg/cloudflare.SessionDescription for the
// SDP offer/answer JSON shape (reused verbatim: {sdp, type}) and on
// github.com/pion/webrtc/v4's ICECandidateInit for the ICE candidate
// shape — both used here only as JSON schema, never to negotiate a real
// peer connection (see DESIGN.md for why pion/ice/pion/srtp were not
// carried over).
package signaling

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
)

// SessionDescription mirrors the teacher's cloudflare.SessionDescription
// wire shape, reused here as the offer/answer envelope forwarded between
// a train and its bound consoles.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Message is one signaling envelope exchanged over either WS path.
type Message struct {
	Kind      string                    `json:"kind"` // "offer", "answer", or "ice"
	TrainID   model.TrainId             `json:"train_id"`
	SDP       *SessionDescription       `json:"sdp,omitempty"`
	ICE       *webrtc.ICECandidateInit  `json:"ice,omitempty"`
}

// Peer receives forwarded signaling messages. Implemented by each
// transport's WS connection wrapper.
type Peer interface {
	Forward(Message) error
}

// Hub is the in-memory passthrough registry: one set of train-role peers
// and one set of console-role peers, both keyed by train id.
//
// Grounded on the teacher's pkg/relay.MultiCameraRelay map+mutex shape,
// specialised here to two role-segregated peer sets instead of one
// camera registry.
type Hub struct {
	mu       sync.RWMutex
	trains   map[model.TrainId]map[Peer]struct{}
	consoles map[model.TrainId]map[Peer]struct{}
	log      *logger.Logger
}

// NewHub creates an empty signaling Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		trains:   make(map[model.TrainId]map[Peer]struct{}),
		consoles: make(map[model.TrainId]map[Peer]struct{}),
		log:      log,
	}
}

// RegisterTrain adds p as the train-side signaling peer for trainID.
func (h *Hub) RegisterTrain(trainID model.TrainId, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.trains[trainID]
	if !ok {
		set = make(map[Peer]struct{})
		h.trains[trainID] = set
	}
	set[p] = struct{}{}
}

// RegisterConsole adds p as a console-side signaling peer bound to trainID.
func (h *Hub) RegisterConsole(trainID model.TrainId, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.consoles[trainID]
	if !ok {
		set = make(map[Peer]struct{})
		h.consoles[trainID] = set
	}
	set[p] = struct{}{}
}

// UnregisterTrain removes p from trainID's train-side peer set.
func (h *Hub) UnregisterTrain(trainID model.TrainId, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.trains[trainID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.trains, trainID)
		}
	}
}

// UnregisterConsole removes p from trainID's console-side peer set.
func (h *Hub) UnregisterConsole(trainID model.TrainId, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.consoles[trainID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.consoles, trainID)
		}
	}
}

// Forward sends msg, originating from a peer of fromRole, to every peer of
// the opposite role bound to the same train id. No session state is
// inspected; the message is forwarded verbatim (§4.6).
func (h *Hub) Forward(fromRole model.Role, msg Message) {
	h.mu.RLock()
	var targets map[Peer]struct{}
	if fromRole == model.RoleTrain {
		targets = h.consoles[msg.TrainID]
	} else {
		targets = h.trains[msg.TrainID]
	}
	peers := make([]Peer, 0, len(targets))
	for p := range targets {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		if err := p.Forward(msg); err != nil {
			if h.log != nil {
				h.log.DebugSignaling("signaling forward failed", "train_id", msg.TrainID, "err", err)
			}
		}
	}
}

// Status reports the number of registered train-role and console-role
// peers for every train id currently present, backing the status
// endpoint of §4.6.
type Status struct {
	TrainID       model.TrainId `json:"train_id"`
	TrainPeers    int           `json:"train_peers"`
	ConsolePeers  int           `json:"console_peers"`
}

// StatusAll returns a snapshot of peer counts for every train id with at
// least one registered peer on either side.
func (h *Hub) StatusAll() []Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[model.TrainId]struct{})
	for id := range h.trains {
		seen[id] = struct{}{}
	}
	for id := range h.consoles {
		seen[id] = struct{}{}
	}

	out := make([]Status, 0, len(seen))
	for id := range seen {
		out = append(out, Status{
			TrainID:      id,
			TrainPeers:   len(h.trains[id]),
			ConsolePeers: len(h.consoles[id]),
		})
	}
	return out
}
