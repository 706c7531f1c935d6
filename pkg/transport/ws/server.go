package ws

import (
	"net/http"
	"strings"

	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
)

// Server owns the two WS listener paths of §6: `/ws/train/{train_id}` and
// `/ws/remote_control/{console_id}`.
type Server struct {
	reg        *registry.Registry
	dispatcher Dispatcher
	log        *logger.Logger
}

// NewServer builds a Server over the shared registry and dispatcher.
func NewServer(reg *registry.Registry, dispatcher Dispatcher, log *logger.Logger) *Server {
	return &Server{reg: reg, dispatcher: dispatcher, log: log}
}

// RegisterRoutes installs the two WS endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/train/", s.handleTrain)
	mux.HandleFunc("/ws/remote_control/", s.handleConsole)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	trainID := model.TrainId(strings.TrimPrefix(r.URL.Path, "/ws/train/"))
	if trainID == "" {
		http.Error(w, "missing train id", http.StatusBadRequest)
		return
	}

	wsConn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := NewConn(wsConn, model.RoleTrain, trainID, "", s.log)
	s.reg.AddTrain(trainID, conn)
	s.dispatcher.HandleConnect(model.RoleTrain, trainID)
	conn.Receive(s.reg, s.dispatcher)
	s.reg.RemoveTrain(trainID, model.TransportWS)
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	consoleID := model.ConsoleId(strings.TrimPrefix(r.URL.Path, "/ws/remote_control/"))
	if consoleID == "" {
		http.Error(w, "missing console id", http.StatusBadRequest)
		return
	}

	wsConn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := NewConn(wsConn, model.RoleConsole, "", consoleID, s.log)
	s.reg.AddConsole(consoleID, conn)
	conn.Receive(s.reg, s.dispatcher)
	s.reg.RemoveConsole(consoleID, model.TransportWS)
}
