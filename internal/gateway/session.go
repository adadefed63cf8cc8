package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/narvanalabs/buildstream/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client-to-server events.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

// ClientFrame is one client-to-server message.
type ClientFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
}

// Session is one connected client.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan Frame
}

func newSession(conn *websocket.Conn, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Frame, buffer),
	}
}

// readPump handles client frames until the connection fails. It unregisters
// the session on return, which removes it from every channel.
func (s *Session) readPump(h *Hub, prefix string, log *logger.Logger) {
	defer func() {
		h.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("session read failed", "session_id", s.id, "error", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug("ignoring malformed client frame", "session_id", s.id, "error", err)
			continue
		}
		channel := strings.TrimPrefix(strings.TrimSpace(frame.Channel), prefix)
		if channel == "" {
			continue
		}

		switch frame.Event {
		case EventSubscribe:
			h.Subscribe(s, channel, frame.Channel)
		case EventUnsubscribe:
			h.Unsubscribe(s, channel)
		default:
			log.Debug("ignoring unknown client event", "session_id", s.id, "event", frame.Event)
		}
	}
}

// writePump writes queued frames and keepalive pings. It returns when the
// hub closes the send queue or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
