package quic

import (
	"context"
	"crypto/tls"
	"fmt"

	quicgo "github.com/quic-go/quic-go"

	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
)

// Identifier resolves the role and identity a freshly accepted QUIC
// connection presents on its control stream's first packet, without this
// package needing to know the relay's wire-level identity protocol. A
// connection whose identification fails is reported through err.
type Identifier func(ctx context.Context, stream quicgo.Stream) (role model.Role, trainID model.TrainId, consoleID model.ConsoleId, err error)

// Server listens for QUIC connections and hands each one, once
// identified, to reg and the dispatcher's receive loops.
type Server struct {
	addr       string
	tlsConfig  *tls.Config
	reg        *registry.Registry
	dispatcher Dispatcher
	identify   Identifier
	log        *logger.Logger
}

// NewServer builds a Server. identify is called once per accepted
// connection to read its identification and resolve role/identity.
func NewServer(addr string, tlsConfig *tls.Config, reg *registry.Registry, dispatcher Dispatcher, identify Identifier, log *logger.Logger) *Server {
	return &Server{
		addr:       addr,
		tlsConfig:  tlsConfig,
		reg:        reg,
		dispatcher: dispatcher,
		identify:   identify,
		log:        log,
	}
}

// ListenAndServe runs the QUIC accept loop until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	quicCfg := &quicgo.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  IdleTimeout,
	}

	listener, err := quicgo.ListenAddr(s.addr, s.tlsConfig, quicCfg)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", s.addr, err)
	}
	defer listener.Close()

	for {
		qconn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.log != nil {
				s.log.DebugTransport("quic accept failed", "err", err)
			}
			continue
		}
		go s.handleConn(ctx, qconn)
	}
}

func (s *Server) handleConn(ctx context.Context, qconn quicgo.Connection) {
	ctrlStream, err := qconn.AcceptStream(ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "no control stream")
		return
	}

	role, trainID, consoleID, err := s.identify(ctx, ctrlStream)
	if err != nil {
		_ = qconn.CloseWithError(1, "identification failed")
		return
	}

	conn := NewConn(qconn, ctrlStream, role, trainID, consoleID, s.log)

	if role == model.RoleTrain {
		s.reg.AddTrain(trainID, conn)
		s.dispatcher.HandleConnect(model.RoleTrain, trainID)
	} else {
		s.reg.AddConsole(consoleID, conn)
	}

	go conn.ReceiveDatagrams(s.reg, s.dispatcher)
	conn.ReceiveControl(s.reg, s.dispatcher)

	if role == model.RoleTrain {
		s.reg.RemoveTrain(trainID, model.TransportQUIC)
	} else {
		s.reg.RemoveConsole(consoleID, model.TransportQUIC)
	}
}
