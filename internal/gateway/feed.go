package gateway

import (
	"context"
	"encoding/json"

	"github.com/narvanalabs/buildstream/internal/transport/redisfeed"
)

// Feed is a source of broadcast feed messages.
type Feed interface {
	Messages() <-chan redisfeed.Message
}

// Relay forwards every feed message to the hub until the feed closes or ctx
// is done.
func Relay(ctx context.Context, feed Feed, h *Hub) {
	msgs := feed.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			h.Broadcast(m.Channel, MessageText(m.Payload))
		}
	}
}

// MessageText returns the text to emit for a feed payload: the "log" field
// of a JSON object payload, otherwise the payload itself.
func MessageText(payload string) string {
	var body struct {
		Log *string `json:"log"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err == nil && body.Log != nil {
		return *body.Log
	}
	return payload
}
