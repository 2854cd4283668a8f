package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced on the REST routes only
	},
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Inbound messages waiting while the previous one is processed.
	inboundQueue = 16
)

// Session protocol event names.
const (
	EventJSON      = "json"
	EventMessage   = "message"
	EventReset     = "reset"
	EventConnected = "connected"
	EventResponse  = "response"
	EventError     = "error"
)

// Frame is one WebSocket message: an event name and its payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InboundMessage is the payload of the json and message events.
type InboundMessage struct {
	Data string `json:"data"`
}

// Reply is the payload of every outbound event.
type Reply struct {
	Type    string `json:"type"` // "system", "assistant" or "error"
	Message string `json:"message"`
	Done    bool   `json:"done,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  Reply  `json:"data"`
}

// wsConn is one socket and the session bound to it. Inbound frames are
// processed one at a time in arrival order.
type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	id      string
	entry   *SessionEntry
	inbound chan Frame
	send    chan outbound
	logger  *zap.Logger
}

// handleWebSocket upgrades the connection and binds it to a new session
// that lives until the socket closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := &wsConn{
		srv:     s,
		conn:    conn,
		id:      id,
		inbound: make(chan Frame, inboundQueue),
		send:    make(chan outbound, 256),
		logger:  s.logger.With(zap.String("session_id", id)),
	}

	entry, err := s.sessions.GetOrCreate(id)
	if err != nil {
		c.logger.Error("session setup failed", zap.Error(err))
		_ = conn.WriteJSON(outbound{Event: EventError, Data: Reply{Type: "error", Message: err.Error()}})
		conn.Close()
		return
	}
	c.entry = entry

	// the socket outlives the upgrade request
	ctx, cancel := context.WithCancel(context.Background())
	go c.writePump()
	go c.process(ctx)
	go c.readPump(cancel)
}

// readPump decodes inbound frames until the socket fails, then cancels
// any message in progress.
func (c *wsConn) readPump(cancel context.CancelFunc) {
	defer func() {
		cancel()
		close(c.inbound)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Event == "" {
			f = Frame{} // reported as a bad payload in order with the rest
		}
		c.inbound <- f
	}
}

// process owns the session for the connection's lifetime and is the only
// sender on c.send.
func (c *wsConn) process(ctx context.Context) {
	defer func() {
		close(c.send)
		c.srv.sessions.Remove(c.id)
		c.logger.Info("websocket disconnected")
	}()

	c.logger.Info("websocket connected")
	c.reply(ctx, EventConnected, Reply{Type: "system", Message: c.srv.cfg.Session.Greeting})

	for f := range c.inbound {
		event := f.Event
		if event == "" {
			event = "invalid"
		}
		c.srv.metrics.ObserveSocketEvent(event)

		if err := c.handle(ctx, f); err != nil {
			if ctx.Err() != nil {
				continue // socket gone; drain the queue
			}
			c.logger.Warn("message handling failed", zap.String("event", event), zap.Error(err))
			c.reply(ctx, EventError, Reply{Type: "error", Message: err.Error()})
		}
	}
}

func (c *wsConn) handle(ctx context.Context, f Frame) error {
	switch f.Event {
	case EventJSON, EventMessage:
		var in InboundMessage
		if err := json.Unmarshal(f.Data, &in); err != nil {
			return fmt.Errorf("%w: %s payload must be {\"data\": \"<text>\"}", ErrBadPayload, f.Event)
		}
		if strings.TrimSpace(in.Data) == "" {
			return fmt.Errorf("%w: message is empty", ErrBadPayload)
		}
		err := c.entry.Do(func(sess *agent.Session) error {
			return sess.StreamChat(ctx, in.Data, func(fragment string) error {
				return c.reply(ctx, EventResponse, Reply{Type: "assistant", Message: fragment})
			})
		})
		if err != nil {
			return err
		}
		if f.Event == EventMessage {
			return c.reply(ctx, EventResponse, Reply{Type: "assistant", Done: true})
		}
		return nil

	case EventReset:
		entry, ok := c.srv.sessions.Get(c.id)
		if !ok {
			return ErrNoSession
		}
		err := entry.Do(func(sess *agent.Session) error {
			return sess.Reset(ctx)
		})
		if err != nil {
			return err
		}
		return c.reply(ctx, EventReset, Reply{Type: "system", Message: c.srv.cfg.Session.ResetMessage})

	case "":
		return fmt.Errorf("%w: expected {\"event\": \"<name>\", \"data\": ...}", ErrBadPayload)
	default:
		return fmt.Errorf("%w: unknown event %q", ErrBadPayload, f.Event)
	}
}

// reply queues an outbound frame, giving up once the socket is gone.
func (c *wsConn) reply(ctx context.Context, event string, r Reply) error {
	select {
	case c.send <- outbound{Event: event, Data: r}:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrNoSession, ctx.Err())
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
