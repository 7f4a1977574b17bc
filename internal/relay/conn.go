package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dvmesh/backend/internal/nostr"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256

	maxSubscriptions = 20
	maxFiltersPerSub = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay is a public endpoint; clients connect from anywhere.
	CheckOrigin: func(*http.Request) bool { return true },
}

// connection is one client WebSocket. All writes go through the send
// channel into writePump; readPump owns all reads. This split keeps ping,
// replies, and broadcast from racing on the socket.
type connection struct {
	relay *Relay
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once

	mu   sync.RWMutex
	subs map[string][]nostr.Filter
}

func (r *Relay) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &connection{
		relay: r,
		conn:  ws,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		subs:  make(map[string][]nostr.Filter),
	}
	r.register(c)
	go c.writePump()
	go c.readPump()
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.relay.unregister(c)
	})
}

func (c *connection) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(msg)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands a frame to writePump, dropping the connection if its buffer
// has been full long enough to matter.
func (c *connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.relay.logger.Warn("slow relay client, dropping connection")
		c.close()
	}
}

func (c *connection) sendJSON(parts ...interface{}) {
	frame, err := json.Marshal(parts)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *connection) handleFrame(msg []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil || len(raw) == 0 {
		c.sendJSON("NOTICE", "invalid: malformed frame")
		return
	}
	var frameType string
	if err := json.Unmarshal(raw[0], &frameType); err != nil {
		c.sendJSON("NOTICE", "invalid: malformed frame")
		return
	}

	switch frameType {
	case "EVENT":
		c.handleEvent(raw)
	case "REQ":
		c.handleReq(raw)
	case "CLOSE":
		c.handleClose(raw)
	default:
		c.sendJSON("NOTICE", "unrecognized frame type "+frameType)
	}
}

func (c *connection) handleEvent(raw []json.RawMessage) {
	if len(raw) < 2 {
		c.sendJSON("NOTICE", "invalid: EVENT frame missing payload")
		return
	}
	var ev nostr.Event
	if err := json.Unmarshal(raw[1], &ev); err != nil {
		c.sendJSON("NOTICE", "invalid: malformed event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, msg := c.relay.admit(ctx, &ev)
	if !ok {
		c.sendJSON("OK", ev.ID, false, msg)
		return
	}
	if err := c.relay.accept(ctx, &ev); err != nil {
		c.relay.logger.Warn("store event failed", "id", ev.ID, "error", err)
		c.sendJSON("OK", ev.ID, false, "error: could not store event")
		return
	}
	c.sendJSON("OK", ev.ID, true, "")
}

func (c *connection) handleReq(raw []json.RawMessage) {
	if len(raw) < 3 {
		c.sendJSON("NOTICE", "invalid: REQ frame missing filters")
		return
	}
	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil || subID == "" {
		c.sendJSON("NOTICE", "invalid: bad subscription id")
		return
	}
	if len(raw)-2 > maxFiltersPerSub {
		c.sendJSON("CLOSED", subID, "blocked: too many filters")
		return
	}

	filters := make([]nostr.Filter, 0, len(raw)-2)
	for _, rawFilter := range raw[2:] {
		var f nostr.Filter
		if err := json.Unmarshal(rawFilter, &f); err != nil {
			c.sendJSON("CLOSED", subID, "invalid: malformed filter")
			return
		}
		filters = append(filters, f)
	}

	c.mu.Lock()
	if _, replacing := c.subs[subID]; !replacing && len(c.subs) >= maxSubscriptions {
		c.mu.Unlock()
		c.sendJSON("CLOSED", subID, "blocked: too many subscriptions")
		return
	}
	c.subs[subID] = filters
	c.mu.Unlock()

	// Serve stored matches, then EOSE, then the subscription goes live.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	seen := make(map[string]struct{})
	for i := range filters {
		events, err := c.relay.store.QueryRelayEvents(ctx, &filters[i])
		if err != nil {
			c.relay.logger.Warn("stored query failed", "sub", subID, "error", err)
			continue
		}
		for i := range events {
			if _, dup := seen[events[i].ID]; dup {
				continue
			}
			seen[events[i].ID] = struct{}{}
			c.sendJSON("EVENT", subID, &events[i])
		}
	}
	c.sendJSON("EOSE", subID)
}

func (c *connection) handleClose(raw []json.RawMessage) {
	if len(raw) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
}

// notify streams an accepted event to any live subscription it matches.
func (c *connection) notify(ev *nostr.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for subID, filters := range c.subs {
		for i := range filters {
			if filters[i].Matches(ev) {
				c.sendJSON("EVENT", subID, ev)
				break
			}
		}
	}
}
