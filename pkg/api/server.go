// Package api implements the HTTP control surface of §4.8/§6: a thin
// adapter over the registry and routing core where every mutation goes
// through registry methods and every read returns a snapshot.
//
// Grounded on the teacher's pkg/api.Server: the same net/http.ServeMux
// plus CORS/logging middleware chain and *http.Server timeout
// configuration, generalized from camera-session proxying to the
// relay's train/console registry and speed-test accounting.
package api

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reakt/train-relay/pkg/logger"
	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
	"github.com/reakt/train-relay/pkg/relayerr"
	"github.com/reakt/train-relay/pkg/routing"
	"github.com/reakt/train-relay/pkg/signaling"
)

// Server is the thin HTTP adapter over the registry and routing core.
type Server struct {
	reg        *registry.Registry
	router     *routing.Router
	hub        *signaling.Hub
	log        *logger.Logger
	httpServer *http.Server

	// speedtest accounting, supplementing the distilled spec's endpoints
	// with the byte-accounting behavior of demo/Sample_QUIC.py (see
	// SPEC_FULL.md "Supplemented features").
	speedtestMu sync.Mutex
	bytesDown   uint64
	bytesUp     uint64

	// downloadLimiter caps the speed-test download's send rate so a
	// console can derive a meaningful throughput number instead of
	// measuring however fast the relay's own loopback happens to be.
	// Grounded on pkg/nest/queue.go's use of golang.org/x/time/rate for
	// API-call throttling, repurposed here for byte throughput.
	downloadLimiter *rate.Limiter
}

// downloadRateLimitBps is the speed-test download endpoint's simulated
// link cap.
const downloadRateLimitBps = 10 * 1024 * 1024

// NewServer builds a Server over the shared registry, routing core, and
// signaling hub.
func NewServer(reg *registry.Registry, router *routing.Router, hub *signaling.Hub, log *logger.Logger) *Server {
	return &Server{
		reg:             reg,
		router:          router,
		hub:             hub,
		log:             log,
		downloadLimiter: rate.NewLimiter(rate.Limit(downloadRateLimitBps), speedtestChunkSize),
	}
}

// RouteRegistrar installs additional handlers on the shared mux. The WS
// transport server and the signaling server implement it (QUIC has its
// own UDP listener),
// so the whole external interface of §6 is served from one *http.Server
// sharing one listener, the way net/http upgrades WS connections
// in-band on an ordinary HTTP server rather than a dedicated port.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Start begins serving the HTTP control surface at addr, returning once
// the listener is up or an immediate bind error occurs. Each registrar
// contributes its own routes to the same mux before the server starts.
func (s *Server) Start(addr string, registrars ...RouteRegistrar) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/trains", s.handleListTrains)
	mux.HandleFunc("/api/remote_control/", s.handleRemoteControl)
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/api/speedtest/download", s.handleSpeedtestDownload)
	mux.HandleFunc("/api/speedtest/upload", s.handleSpeedtestUpload)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/api/webrtc/answer", s.handleWebRTCAnswer)
	mux.HandleFunc("/api/webrtc/ice-candidate", s.handleWebRTCICE)

	for _, r := range registrars {
		r.RegisterRoutes(mux)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleListTrains implements `GET /api/trains`: an array of TrainId.
func (s *Server) handleListTrains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.ListTrains())
}

// handleRemoteControl implements the bind/unbind pair:
//
//	POST   /api/remote_control/{console_id}/train/{train_id}
//	DELETE /api/remote_control/{console_id}/train
func (s *Server) handleRemoteControl(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/remote_control/")
	parts := strings.Split(path, "/")

	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	consoleID := model.ConsoleId(parts[0])

	switch r.Method {
	case http.MethodPost:
		if len(parts) != 3 || parts[1] != "train" || parts[2] == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		trainID := model.TrainId(parts[2])
		if err := s.reg.Bind(consoleID, trainID); err != nil {
			if err == relayerr.ErrUnknownTrain {
				http.Error(w, "unknown train", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})

	case http.MethodDelete:
		if len(parts) != 2 || parts[1] != "train" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		s.reg.Unbind(consoleID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStream implements `GET /stream/{train_id}`: a placeholder empty
// body reserved for a future static stream URL (§6).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// speedtestChunkSize is the buffer size used to stream download bytes;
// downloadSizeBytes is the fixed N MB of opaque payload §6 specifies.
const (
	speedtestChunkSize = 64 * 1024
	downloadSizeBytes  = 10 * 1024 * 1024
)

// handleSpeedtestDownload implements `GET /api/speedtest/download`,
// streaming N MB of opaque random bytes and accounting them, mirroring
// demo/Sample_QUIC.py's download_start/downloading/download_end
// bookkeeping (see SPEC_FULL.md supplemented features).
func (s *Server) handleSpeedtestDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(downloadSizeBytes))

	buf := make([]byte, speedtestChunkSize)
	remaining := downloadSizeBytes
	for remaining > 0 {
		n := speedtestChunkSize
		if remaining < n {
			n = remaining
		}
		if err := s.downloadLimiter.WaitN(r.Context(), n); err != nil {
			return
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return
		}
		remaining -= n
	}

	s.speedtestMu.Lock()
	s.bytesDown += downloadSizeBytes
	s.speedtestMu.Unlock()
}

// handleSpeedtestUpload implements `POST /api/speedtest/upload`, reading
// and discarding the request body while accounting its size.
func (s *Server) handleSpeedtestUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	s.speedtestMu.Lock()
	s.bytesUp += uint64(n)
	s.speedtestMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SpeedtestTotals reports the relay-wide cumulative bytes served by the
// speed-test download endpoint and consumed by the upload endpoint.
func (s *Server) SpeedtestTotals() (down, up uint64) {
	s.speedtestMu.Lock()
	defer s.speedtestMu.Unlock()
	return s.bytesDown, s.bytesUp
}

type webrtcOfferRequest struct {
	RemoteControlID string `json:"remote_control_id"`
}

type webrtcOfferResponse struct {
	Status string                         `json:"status"`
	Offer  *signaling.SessionDescription `json:"offer"`
}

// handleWebRTCOffer implements `POST /api/webrtc/offer`. It validates the
// request body and replies with status "pending" and a null offer; it does
// not contact the signaling hub or any train peer.
func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req webrtcOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, webrtcOfferResponse{Status: "pending"})
}

type webrtcAnswerRequest struct {
	RemoteControlID string `json:"remote_control_id"`
	SDP             string `json:"sdp"`
}

// handleWebRTCAnswer implements `POST /api/webrtc/answer`.
func (s *Server) handleWebRTCAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req webrtcAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type webrtcICERequest struct {
	RemoteControlID string `json:"remote_control_id"`
	Candidate       any    `json:"candidate"`
}

// handleWebRTCICE implements `POST /api/webrtc/ice-candidate`.
func (s *Server) handleWebRTCICE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req webrtcICERequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if s.log != nil {
			s.log.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
			)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
