// Package gateway is the local UI-facing surface: a small HTTP API for the
// desk display plus a websocket feed of bus events. It binds to loopback
// by default and is not meant to face the network.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/delivery"
	"github.com/consultease/deskunit/internal/presence"
	"github.com/consultease/deskunit/internal/queue"
)

// Config holds the gateway dependencies.
type Config struct {
	Queue   *queue.Queue
	Monitor *presence.Monitor
	Bus     *bus.Bus
	Link    delivery.Link
	Topics  delivery.TopicSet

	// Token, when set, is required as a bearer token on every endpoint
	// except /healthz.
	Token string

	// ResponseExpiry bounds how long an outbound response may wait for the
	// link.
	ResponseExpiry time.Duration

	Logger *slog.Logger
}

// Server serves the UI API.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseExpiry <= 0 {
		cfg.ResponseExpiry = 5 * time.Minute
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/messages/", s.handleRespond)
	mux.HandleFunc("/api/presence/force", s.handleForce)
	mux.HandleFunc("/ws", s.handleWS)
	return s.withAuth(mux)
}

// withAuth enforces the bearer token when configured. /healthz stays open
// for local supervision.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.authorize(r) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		token = r.URL.Query().Get("token") // websocket clients cannot set headers
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":        true,
		"presence":       string(s.cfg.Monitor.Visible()),
		"link_connected": s.cfg.Link.Connected(),
		"queue_degraded": s.cfg.Queue.Degraded(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"presence":        string(s.cfg.Monitor.Visible()),
		"link_connected":  s.cfg.Link.Connected(),
		"queue_depth":     s.cfg.Queue.Depth(),
		"queue_degraded":  s.cfg.Queue.Degraded(),
		"inbound_waiting": len(s.cfg.Queue.ListInbound()),
	})
}

// messageView is the UI-facing shape of an inbound message.
type messageView struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inbound := s.cfg.Queue.ListInbound()
	views := make([]messageView, 0, len(inbound))
	for _, m := range inbound {
		raw, err := m.WireBytes()
		if err != nil {
			s.logger.Warn("encode inbound payload", "message_id", m.ID, "error", err)
			continue
		}
		views = append(views, messageView{
			ID:         m.ID,
			Kind:       string(m.Kind),
			Priority:   m.Priority,
			Payload:    raw,
			EnqueuedAt: m.EnqueuedAt,
			ExpiresAt:  m.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

// respondBody is the POST body of /api/messages/{id}/respond.
type respondBody struct {
	Action string `json:"action"` // "ack" or "busy"
}

// handleRespond consumes an inbound message: the response is enqueued
// outbound and the inbound entry leaves the queue.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	id, action, found := strings.Cut(rest, "/")
	if !found || action != "respond" || id == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if body.Action != "ack" && body.Action != "busy" {
		http.Error(w, `{"error":"action must be ack or busy"}`, http.StatusBadRequest)
		return
	}

	m, ok := s.cfg.Queue.Get(id)
	if !ok || m.Direction != queue.Inbound {
		http.Error(w, `{"error":"message not found"}`, http.StatusNotFound)
		return
	}

	now := time.Now()
	resp := &queue.Message{
		Topic:      s.cfg.Topics.Responses,
		Direction:  queue.Outbound,
		Kind:       queue.KindNotification,
		Priority:   queue.PriorityHigh,
		Payload:    queue.Response{ID: id, Action: body.Action},
		EnqueuedAt: now,
		ExpiresAt:  now.Add(s.cfg.ResponseExpiry),
	}
	if err := s.cfg.Queue.Enqueue(r.Context(), resp); err != nil {
		s.logger.Error("enqueue response", "message_id", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": fmt.Sprintf("enqueue response: %v", err),
		})
		return
	}
	if err := s.cfg.Queue.Remove(r.Context(), id); err != nil {
		s.logger.Warn("remove answered inbound message", "message_id", id, "error", err)
	}
	s.logger.Info("inbound message answered", "message_id", id, "action", body.Action)
	writeJSON(w, http.StatusOK, map[string]any{"responseId": resp.ID})
}

// forceBody is the POST body of /api/presence/force.
type forceBody struct {
	Status string `json:"status"` // "present" or "absent"
}

func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body forceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	var v presence.Visibility
	switch body.Status {
	case "present":
		v = presence.VisiblePresent
	case "absent":
		v = presence.VisibleAbsent
	default:
		http.Error(w, `{"error":"status must be present or absent"}`, http.StatusBadRequest)
		return
	}
	s.cfg.Monitor.Force(r.Context(), v, time.Now())
	writeJSON(w, http.StatusOK, map[string]any{"presence": body.Status})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}
