// Package gateway fans broadcast feed messages out to websocket sessions
// subscribed to a deployment's channel.
//
// All channel membership lives in a single Hub goroutine. Sessions and the
// feed talk to it through channels, so membership needs no locking and
// broadcasts for one channel are delivered to each session in feed order.
package gateway

import (
	"context"

	"github.com/narvanalabs/buildstream/internal/metrics"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// Frame is one server-to-client message.
type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// EventMessage is the event of every server-to-client frame.
const EventMessage = "message"

type subscription struct {
	session *Session
	channel string
	// label is the channel name as the client sent it.
	label string
	join  bool
}

type broadcast struct {
	channel string
	text    string
}

type sizeQuery struct {
	channel string
	reply   chan int
}

// Hub owns channel membership.
type Hub struct {
	register   chan *Session
	unregister chan *Session
	subscribe  chan subscription
	broadcast  chan broadcast
	sizes      chan sizeQuery
	done       chan struct{}

	channels map[string]map[*Session]struct{}
	sessions map[*Session]map[string]struct{}
	logger   *logger.Logger
}

// NewHub creates a hub. Call Run to start it.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		register:   make(chan *Session),
		unregister: make(chan *Session),
		subscribe:  make(chan subscription),
		broadcast:  make(chan broadcast, 256),
		sizes:      make(chan sizeQuery),
		done:       make(chan struct{}),
		channels:   make(map[string]map[*Session]struct{}),
		sessions:   make(map[*Session]map[string]struct{}),
		logger:     log.WithComponent("hub"),
	}
}

// Run processes hub events until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for s := range h.sessions {
				h.drop(s)
			}
			return

		case s := <-h.register:
			h.sessions[s] = make(map[string]struct{})
			metrics.SessionOpened()
			h.logger.Debug("session registered", "session_id", s.id)

		case s := <-h.unregister:
			h.drop(s)

		case sub := <-h.subscribe:
			h.handleSubscription(sub)

		case b := <-h.broadcast:
			metrics.IncBroadcast()
			frame := Frame{Event: EventMessage, Data: b.text}
			for s := range h.channels[b.channel] {
				h.deliver(s, frame)
			}

		case q := <-h.sizes:
			q.reply <- len(h.channels[q.channel])
		}
	}
}

func (h *Hub) handleSubscription(sub subscription) {
	joined, ok := h.sessions[sub.session]
	if !ok {
		return
	}

	if !sub.join {
		delete(joined, sub.channel)
		h.leave(sub.session, sub.channel)
		return
	}

	members, ok := h.channels[sub.channel]
	if !ok {
		members = make(map[*Session]struct{})
		h.channels[sub.channel] = members
	}
	members[sub.session] = struct{}{}
	joined[sub.channel] = struct{}{}
	h.logger.Debug("session joined channel", "session_id", sub.session.id, "channel", sub.channel)

	h.deliver(sub.session, Frame{Event: EventMessage, Data: "Joined " + sub.label})
}

// deliver queues frame for s, dropping the session if its queue is full.
func (h *Hub) deliver(s *Session, frame Frame) {
	select {
	case s.send <- frame:
	default:
		metrics.IncGatewayDrop("slow_consumer")
		h.logger.Warn("session send queue full, closing session", "session_id", s.id)
		h.drop(s)
	}
}

func (h *Hub) leave(s *Session, channel string) {
	members := h.channels[channel]
	delete(members, s)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}

// drop removes s from every channel and closes its send queue.
func (h *Hub) drop(s *Session) {
	joined, ok := h.sessions[s]
	if !ok {
		return
	}
	for channel := range joined {
		h.leave(s, channel)
	}
	delete(h.sessions, s)
	close(s.send)
	metrics.SessionClosed()
	h.logger.Debug("session removed", "session_id", s.id)
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a session from all channels.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Subscribe adds s to channel and sends it a confirmation. label is echoed
// in the confirmation.
func (h *Hub) Subscribe(s *Session, channel, label string) {
	select {
	case h.subscribe <- subscription{session: s, channel: channel, label: label, join: true}:
	case <-h.done:
	}
}

// Unsubscribe removes s from channel.
func (h *Hub) Unsubscribe(s *Session, channel string) {
	select {
	case h.subscribe <- subscription{session: s, channel: channel}:
	case <-h.done:
	}
}

// Broadcast sends text to every session currently in channel.
func (h *Hub) Broadcast(channel, text string) {
	select {
	case h.broadcast <- broadcast{channel: channel, text: text}:
	case <-h.done:
	}
}

// ChannelSize returns the number of sessions in channel.
func (h *Hub) ChannelSize(channel string) int {
	q := sizeQuery{channel: channel, reply: make(chan int, 1)}
	select {
	case h.sizes <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
