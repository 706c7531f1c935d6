// Command relay runs the teleoperation relay server: it accepts trains
// and consoles over WS, QUIC, and MQTT, keeps the session registry and
// routing core in sync with their connection lifecycles, and serves the
// HTTP control surface and WebRTC signaling passthrough on one listener.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/reakt/train-relay/pkg/api"
	"github.com/reakt/train-relay/pkg/codec"
	"github.com/reakt/train-relay/pkg/config"
	"github.com/reakt/train-relay/pkg/dispatch"
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
	"github.com/reakt/train-relay/pkg/routing"
	"github.com/reakt/train-relay/pkg/signaling"
	"github.com/reakt/train-relay/pkg/transport/mqtt"
	"github.com/reakt/train-relay/pkg/transport/quic"
	"github.com/reakt/train-relay/pkg/transport/ws"
)

func main() {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", "", "optional .env file with relay configuration")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Train teleoperation relay server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	router := routing.New(reg, log)
	dispatcher := dispatch.New(reg, router, log)
	hub := signaling.NewHub(log)

	go drainRegistryEvents(ctx, reg, router, log)

	wsServer := ws.NewServer(reg, dispatcher, log)
	signalingServer := signaling.NewServer(hub, log)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.FastAPIPort)
	apiServer := api.NewServer(reg, router, hub, log)
	if err := apiServer.Start(httpAddr, wsServer, signalingServer); err != nil {
		log.Error("failed to start http control surface", "addr", httpAddr, "err", err)
		os.Exit(1)
	}
	log.Info("http control surface listening", "addr", httpAddr)
	defer apiServer.Stop()

	var tlsConfig *tls.Config
	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		tlsConfig, err = quic.ServerTLSConfig(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.Error("failed to load TLS certificate", "err", err)
			os.Exit(1)
		}
	} else {
		// quic-go requires a TLS config even for local development; a
		// self-signed, ephemeral certificate keeps the relay runnable
		// without operator-provided files (see DESIGN.md).
		tlsConfig, err = quic.SelfSignedTLSConfig()
		if err != nil {
			log.Error("failed to build development TLS certificate", "err", err)
			os.Exit(1)
		}
	}

	quicAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.QUICPort)
	quicServer := quic.NewServer(quicAddr, tlsConfig, reg, dispatcher, quic.IdentifyHandshake, log)
	go func() {
		if err := quicServer.ListenAndServe(ctx); err != nil {
			log.Error("quic server stopped", "err", err)
		}
	}()
	log.Info("quic transport listening", "addr", quicAddr)

	mqttBrokerURL := fmt.Sprintf("%s:%d", cfg.MQTTBrokerURL, cfg.MQTTPort)
	bus, err := mqtt.Wire(mqttBrokerURL, "train-relay", reg, router, dispatcher, log)
	if err != nil {
		log.Warn("mqtt bus unavailable, continuing without it", "broker", mqttBrokerURL, "err", err)
	} else {
		defer bus.Close()
		log.Info("mqtt bus connected", "broker", mqttBrokerURL)
	}

	<-ctx.Done()
	log.Info("relay shutting down")
}

// systemCommand mirrors the command JSON schema of §6 (PacketType=16) for
// the two instructions the relay itself issues as a side effect of a
// registry bind/unbind, rather than a console-issued command.
type systemCommand struct {
	Instruction            string `json:"instruction"`
	RemoteControlID        string `json:"remote_control_id"`
	CommandID              string `json:"command_id"`
	RemoteControlTimestamp int64  `json:"remote_control_timestamp"`
}

// drainRegistryEvents converts registry mutations into their transport-level
// side effects (§4.2, §9): a train with subscribers starts sending, a train
// with none stops.
func drainRegistryEvents(ctx context.Context, reg *registry.Registry, router *routing.Router, log *logger.Logger) {
	events := reg.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case registry.EventStartSendingData:
				sendSystemCommand(router, ev.TrainID, "START_SENDING_DATA", log)
			case registry.EventStopSendingData:
				sendSystemCommand(router, ev.TrainID, "STOP_SENDING_DATA", log)
			case registry.EventTrainGone:
				if log != nil {
					log.DebugRegistry("train gone, consoles unbound", "train_id", ev.TrainID, "console_count", len(ev.ConsoleIDs))
				}
			case registry.EventConsoleUnbound:
				if log != nil {
					log.DebugRegistry("console unbound", "console_ids", ev.ConsoleIDs)
				}
			}
		}
	}
}

func sendSystemCommand(router *routing.Router, trainID model.TrainId, instruction string, log *logger.Logger) {
	cmd := systemCommand{
		Instruction:            instruction,
		RemoteControlID:        "relay",
		CommandID:              uuid.NewString(),
		RemoteControlTimestamp: time.Now().UnixMilli(),
	}
	pkt, err := codec.EncodeJSON(codec.PacketCommand, cmd)
	if err != nil {
		return
	}
	if err := router.RouteSystemCommand(trainID, pkt.Encode()); err != nil && log != nil {
		log.DebugTransport("system command not delivered", "train_id", trainID, "instruction", instruction, "err", err)
	}
}
