package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelsoft/ras/internal/authn"
	"github.com/kestrelsoft/ras/internal/logging"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// InboundHandler processes one Inbound frame for sessionID. Implemented by
// the server wiring layer, which writes to the Session Store and signals
// the Supervisor.
type InboundHandler func(ctx context.Context, sessionID string, in Inbound) error

// Server upgrades HTTP connections to the per-session WebSocket stream.
type Server struct {
	hub       *Hub
	heartbeat *HeartbeatScheduler
	handler   InboundHandler
	logger    *logging.Logger
	verifier  authn.Verifier
	upgrader  websocket.Upgrader
}

func NewServer(hub *Hub, heartbeat *HeartbeatScheduler, handler InboundHandler, logger *logging.Logger, verifier authn.Verifier) *Server {
	return &Server{
		hub:       hub,
		heartbeat: heartbeat,
		handler:   handler,
		logger:    logger,
		verifier:  verifier,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ServeSession authenticates the caller, upgrades r to a WebSocket, and
// streams sessionID's events to it until the connection closes,
// concurrently accepting inbound frames. An unauthenticated or rejected
// bearer token fails the request with 401 before any upgrade is attempted,
// per §6.1's `/session/{id}/ws` error contract.
func (s *Server) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.verifier != nil {
		if _, err := s.verifier.Verify(r.Context(), bearerFromRequest(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close()

	sub, unsubscribe := s.hub.Subscribe(sessionID)
	defer unsubscribe()

	s.heartbeat.Start(ctx, sessionID)

	go s.writeLoop(ctx, conn, sub)
	s.readLoop(ctx, cancel, conn, sessionID)
}

// bearerFromRequest extracts the token from an `Authorization: Bearer ...`
// header, falling back to the `token` query parameter for browser clients
// that cannot set headers on a WebSocket upgrade request.
func bearerFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return rest
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cancel()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if err := s.handler(ctx, sessionID, in); err != nil && s.logger != nil {
			s.logger.Error(ctx, "channel: inbound handler failed", "error", err, "session_id", sessionID)
		}
	}
}
