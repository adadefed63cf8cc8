package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/narvanalabs/buildstream/pkg/logger"
)

// Server upgrades websocket connections and attaches them to a hub.
type Server struct {
	hub        *Hub
	upgrader   websocket.Upgrader
	prefix     string
	sendBuffer int
	logger     *logger.Logger
}

// NewServer creates a websocket handler. prefix is stripped from channel
// names clients subscribe to, so "logs:dep-42" and "dep-42" are the same
// channel.
func NewServer(hub *Hub, prefix string, sendBuffer int, log *logger.Logger) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		prefix:     prefix,
		sendBuffer: sendBuffer,
		logger:     log.WithComponent("gateway"),
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return
	}

	session := newSession(conn, s.sendBuffer)
	if !s.hub.Register(session) {
		conn.Close()
		return
	}

	go session.writePump()
	go session.readPump(s.hub, s.prefix, s.logger)
}
