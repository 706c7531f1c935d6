// Command train runs the train-side send path: it dials a relay over
// WebSocket, drives the clock-sync handshake, paces outbound video frames,
// and applies console commands as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reakt/train-relay/pkg/agent"
	"github.com/reakt/train-relay/pkg/config"
	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
)

func main() {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", "", "optional .env file with TRAIN_ID, RELAY_WS_URL, TRAIN_MTU")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Train-side teleoperation agent\n\n")
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

	cfg, err := config.LoadTrainAgent(*envPath)
	if err != nil {
		log.Error("failed to load train agent config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trainID := model.TrainId(cfg.TrainID)
	pacer := agent.NewPacer(ctx, trainID, cfg.MTU, log)
	a := agent.New(trainID, pacer, nil, nil, log)

	client, err := agent.DialTrain(ctx, cfg.RelayWSURL, trainID, a, log)
	if err != nil {
		log.Error("failed to dial relay", "url", cfg.RelayWSURL, "err", err)
		os.Exit(1)
	}
	defer client.Close()

	pacer.SetSender(client)
	pacer.Start()
	defer pacer.Stop()

	go client.Run()

	// Placeholder frame source: a real agent wires this to its camera
	// pipeline. Here it emits a small synthetic frame periodically so the
	// pacer and fragmenter stay exercised end-to-end without a camera
	// attached.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var frameID uint32
	for {
		select {
		case <-ctx.Done():
			log.Info("train agent shutting down")
			return
		case <-ticker.C:
			if a.State() != agent.StateStreaming {
				continue
			}
			frameID++
			payload := make([]byte, 64)
			_, _ = rand.Read(payload)
			if err := pacer.EnqueueFrame(frameID, uint64(time.Now().UnixMilli()), payload); err != nil {
				log.DebugFrame("dropped frame", "frame_id", frameID, "err", err)
			}
		}
	}
}
