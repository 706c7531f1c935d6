package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reakt/train-relay/pkg/model"
	"github.com/reakt/train-relay/pkg/registry"
	"github.com/reakt/train-relay/pkg/routing"
	"github.com/reakt/train-relay/pkg/signaling"
)

type fakeEndpoint struct{ transport model.Transport }

func (f *fakeEndpoint) Send([]byte) error          { return nil }
func (f *fakeEndpoint) Transport() model.Transport { return f.transport }
func (f *fakeEndpoint) Close() error               { return nil }

func newTestServer() (*Server, *registry.Registry) {
	reg := registry.New()
	router := routing.New(reg, nil)
	hub := signaling.NewHub(nil)
	return NewServer(reg, router, hub, nil), reg
}

func newMux(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/trains", s.handleListTrains)
	mux.HandleFunc("/api/remote_control/", s.handleRemoteControl)
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/api/speedtest/upload", s.handleSpeedtestUpload)
	return mux
}

func TestHandleListTrainsEmpty(t *testing.T) {
	s, _ := newTestServer()
	mux := newMux(s)

	req := httptest.NewRequest(http.MethodGet, "/api/trains", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleRemoteControlBindUnknownTrain404(t *testing.T) {
	s, _ := newTestServer()
	mux := newMux(s)

	req := httptest.NewRequest(http.MethodPost, "/api/remote_control/c1/train/ghost", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRemoteControlBindSuccess(t *testing.T) {
	s, reg := newTestServer()
	reg.AddTrain("t1", &fakeEndpoint{transport: model.TransportWS})
	mux := newMux(s)

	req := httptest.NewRequest(http.MethodPost, "/api/remote_control/c1/train/t1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"success"}`, rec.Body.String())

	train, ok := reg.TrainOf("c1")
	require.True(t, ok)
	require.Equal(t, model.TrainId("t1"), train)
}

func TestHandleRemoteControlUnbind(t *testing.T) {
	s, reg := newTestServer()
	reg.AddTrain("t1", &fakeEndpoint{transport: model.TransportWS})
	require.NoError(t, reg.Bind("c1", "t1"))
	mux := newMux(s)

	req := httptest.NewRequest(http.MethodDelete, "/api/remote_control/c1/train", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := reg.TrainOf("c1")
	require.False(t, ok)
}

func TestHandleStreamPlaceholder(t *testing.T) {
	s, _ := newTestServer()
	mux := newMux(s)

	req := httptest.NewRequest(http.MethodGet, "/stream/t1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestHandleSpeedtestUploadAccountsBytes(t *testing.T) {
	s, _ := newTestServer()
	mux := newMux(s)

	body := make([]byte, 1024)
	req := httptest.NewRequest(http.MethodPost, "/api/speedtest/upload", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, up := s.SpeedtestTotals()
	require.Equal(t, uint64(1024), up)
}
