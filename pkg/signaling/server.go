package signaling

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server exposes the two signaling WS paths of §4.6 over a Hub.
type Server struct {
	hub *Hub
	log *logger.Logger
}

// NewServer builds a Server over hub.
func NewServer(hub *Hub, log *logger.Logger) *Server {
	return &Server{hub: hub, log: log}
}

// RegisterRoutes installs the signaling WS endpoints and the status
// endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/signaling/train/", s.handleTrain)
	mux.HandleFunc("/ws/signaling/remote_control/", s.handleConsole)
	mux.HandleFunc("/api/signaling/status", s.handleStatus)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.hub.StatusAll())
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	trainID := model.TrainId(strings.TrimPrefix(r.URL.Path, "/ws/signaling/train/"))
	if trainID == "" {
		http.Error(w, "missing train id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := newWSPeer(conn)

	s.hub.RegisterTrain(trainID, peer)
	s.pump(model.RoleTrain, trainID, peer)
	s.hub.UnregisterTrain(trainID, peer)
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	trainID := model.TrainId(strings.TrimPrefix(r.URL.Path, "/ws/signaling/remote_control/"))
	if trainID == "" {
		http.Error(w, "missing train id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := newWSPeer(conn)

	s.hub.RegisterConsole(trainID, peer)
	s.pump(model.RoleConsole, trainID, peer)
	s.hub.UnregisterConsole(trainID, peer)
}

// pump reads signaling messages off peer's socket until it closes,
// forwarding each to the opposite role bound to the same train id.
func (s *Server) pump(role model.Role, trainID model.TrainId, peer *wsPeer) {
	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if s.log != nil {
				s.log.DebugSignaling("malformed signaling message", "train_id", trainID, "err", err)
			}
			continue
		}
		msg.TrainID = trainID
		s.hub.Forward(role, msg)
	}
}

// wsPeer adapts a gorilla websocket connection to the Peer interface.
// Writes are serialized with a mutex since gorilla forbids concurrent
// writers on the same connection.
type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

func (p *wsPeer) Forward(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

var _ Peer = (*wsPeer)(nil)
