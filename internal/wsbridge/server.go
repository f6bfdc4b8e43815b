// Package wsbridge exposes the controller's event streams over WebSocket so
// GUI shells and remote tooling can follow a session without linking the
// pipeline. It also serves the Prometheus metrics endpoint and a liveness
// probe.
//
// Endpoints:
//
//	GET /events   — WebSocket; streams JSON-encoded events as they occur
//	GET /healthz  — liveness probe
//	GET /metrics  — Prometheus scrape endpoint
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verbatim-ai/verbatim/internal/controller"
)

// writeTimeout bounds each frame write so one stuck client cannot pin its
// forwarding goroutine.
const writeTimeout = 5 * time.Second

// Event is the wire envelope for all event kinds.
type Event struct {
	// Type is "chunk", "reclassification", "status", or "error".
	Type string `json:"type"`

	Chunk            *controller.TranscriptionChunk    `json:"chunk,omitempty"`
	Reclassification *controller.SpeakerReclassification `json:"reclassification,omitempty"`
	Status           *controller.Status                `json:"status,omitempty"`
	Error            *controller.TranscriptionError    `json:"error,omitempty"`
}

// Server bridges one controller's events to WebSocket clients.
type Server struct {
	ctrl *controller.Controller
	http *http.Server
}

// New creates a bridge server for ctrl listening on addr.
func New(ctrl *controller.Controller, addr string) *Server {
	s := &Server{ctrl: ctrl}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown is called.
// Returns nil on a clean shutdown.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener; used by tests.
func (s *Server) Serve(l net.Listener) error {
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleEvents upgrades the connection and forwards controller events until
// the client disconnects. Each client gets its own bounded subscriptions;
// a client that stops reading misses events rather than affecting others.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	chunks, offChunks := s.ctrl.SubscribeChunks()
	defer offChunks()
	reclass, offReclass := s.ctrl.SubscribeReclassifications()
	defer offReclass()
	status, offStatus := s.ctrl.SubscribeStatus()
	defer offStatus()
	errs, offErrs := s.ctrl.SubscribeErrors()
	defer offErrs()

	ctx := r.Context()

	// Reader goroutine: we never expect client frames, but reading surfaces
	// disconnects promptly.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		var ev Event
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case c, ok := <-chunks:
			if !ok {
				return
			}
			ev = Event{Type: "chunk", Chunk: &c}
		case rc, ok := <-reclass:
			if !ok {
				return
			}
			ev = Event{Type: "reclassification", Reclassification: &rc}
		case st, ok := <-status:
			if !ok {
				return
			}
			ev = Event{Type: "status", Status: &st}
		case e, ok := <-errs:
			if !ok {
				return
			}
			ev = Event{Type: "error", Error: &e}
		}

		if err := writeEvent(ctx, conn, ev); err != nil {
			return
		}
	}
}

// writeEvent marshals and sends one event frame with a write deadline.
func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
