// Package relayclient is the outbound WebSocket side of the gossip
// protocol: publishing events to relays and fetching stored events by
// filter. The relay gateway (internal/relay) is the server side.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dvmesh/backend/internal/nostr"
)

const (
	// ackWait bounds how long we wait for a relay's OK frame per event.
	ackWait = 10 * time.Second
	// fetchWait bounds a REQ exchange; relays answer stored matches then EOSE.
	fetchWait = 15 * time.Second
)

// Client dials gossip relays. The zero value is not usable; construct with
// New.
type Client struct {
	dialer *websocket.Dialer
}

// New returns a Client with a bounded handshake timeout.
func New() *Client {
	return &Client{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Publish sends one signed event to a relay and waits for its acknowledgement.
// Returns the relay's accepted flag and message.
func (c *Client) Publish(ctx context.Context, relayURL string, ev *nostr.Event) (bool, string, error) {
	conn, _, err := c.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return false, "", fmt.Errorf("dial %s: %w", relayURL, err)
	}
	defer conn.Close()

	frame, err := json.Marshal([]interface{}{"EVENT", ev})
	if err != nil {
		return false, "", fmt.Errorf("marshal EVENT frame: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(ackWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return false, "", fmt.Errorf("write to %s: %w", relayURL, err)
	}

	deadline := time.Now().Add(ackWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return false, "", fmt.Errorf("await OK from %s: %w", relayURL, err)
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(msg, &raw); err != nil || len(raw) < 4 {
			continue
		}
		var frameType, id string
		if json.Unmarshal(raw[0], &frameType) != nil || frameType != "OK" {
			continue
		}
		if json.Unmarshal(raw[1], &id) != nil || id != ev.ID {
			continue
		}
		var accepted bool
		var message string
		json.Unmarshal(raw[2], &accepted)
		json.Unmarshal(raw[3], &message)
		return accepted, message, nil
	}
}

// Fetch opens a one-shot subscription, collects stored matches until EOSE,
// then closes. Duplicate ids across relays are the caller's concern.
func (c *Client) Fetch(ctx context.Context, relayURL string, filters []nostr.Filter) ([]nostr.Event, error) {
	conn, _, err := c.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", relayURL, err)
	}
	defer conn.Close()

	subID := fmt.Sprintf("sub-%d", time.Now().UnixNano())
	req := make([]interface{}, 0, len(filters)+2)
	req = append(req, "REQ", subID)
	for i := range filters {
		req = append(req, filters[i])
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal REQ frame: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(fetchWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, fmt.Errorf("write REQ to %s: %w", relayURL, err)
	}

	deadline := time.Now().Add(fetchWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var out []nostr.Event
	for {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return out, fmt.Errorf("read from %s: %w", relayURL, err)
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(msg, &raw); err != nil || len(raw) < 2 {
			continue
		}
		var frameType string
		if json.Unmarshal(raw[0], &frameType) != nil {
			continue
		}
		switch frameType {
		case "EVENT":
			if len(raw) < 3 {
				continue
			}
			var ev nostr.Event
			if err := json.Unmarshal(raw[2], &ev); err != nil {
				continue
			}
			out = append(out, ev)
		case "EOSE":
			// Best effort; the relay may already be gone.
			closeFrame, _ := json.Marshal([]interface{}{"CLOSE", subID})
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteMessage(websocket.TextMessage, closeFrame)
			return out, nil
		case "NOTICE", "OK":
			continue
		}
	}
}
