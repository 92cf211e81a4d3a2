package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/playbookd/internal/streaming"
	"github.com/rendis/playbookd/pkg/schema"
)

// WebSocket message types.
const (
	WSTypePing     = "ping"
	WSTypePong     = "pong"
	WSTypeEvent    = "event"
	WSTypeSignal   = "signal"
	WSTypeResponse = "response"
	WSTypeError    = "error"

	wsSendBufferSize = 64
	wsMaxMessageSize = 4096
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
)

// WSMessage is a frame sent to or received from a WebSocket client.
type WSMessage struct {
	Type        string                 `json:"type"`
	ID          string                 `json:"id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Signal      string                 `json:"signal,omitempty"`
	Event       *streaming.StreamEvent `json:"event,omitempty"`
	Payload     any                    `json:"payload,omitempty"`
	Error       *errorBody             `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsClients tracks connected WebSocket clients so they can be counted and
// disconnected on shutdown.
type wsClients struct {
	mu    sync.Mutex
	conns map[*wsClient]struct{}
}

func newWSClients() *wsClients {
	return &wsClients{conns: make(map[*wsClient]struct{})}
}

func (c *wsClients) add(cl *wsClient) {
	c.mu.Lock()
	c.conns[cl] = struct{}{}
	c.mu.Unlock()
}

func (c *wsClients) remove(cl *wsClient) {
	c.mu.Lock()
	delete(c.conns, cl)
	c.mu.Unlock()
}

func (c *wsClients) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// closeAll closes every connection; each read pump then unwinds its client.
func (c *wsClients) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cl := range c.conns {
		_ = cl.conn.Close()
	}
}

// wsClient is one connection. Only writePump writes to conn.
type wsClient struct {
	srv    *Server
	conn   *websocket.Conn
	events <-chan streaming.StreamEvent
	send   chan WSMessage
	ctx    context.Context
	stop   context.CancelFunc
}

// handleWebSocket upgrades the connection and streams events matching the
// execution_id and types query parameters. Clients may send signal frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, schema.ErrCodeHandlerUnavailable, "event stream is not configured")
		return
	}
	filter := streaming.EventFilter{
		ExecutionID: r.URL.Query().Get("execution_id"),
		EventTypes:  splitTypes(r.URL.Query().Get("types")),
	}

	// Subscribe before upgrading so no event after the handshake is missed.
	// The request context ends when this handler returns.
	ctx, stop := context.WithCancel(context.Background())
	events, unsubscribe, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		stop()
		s.logger.ErrorContext(r.Context(), "websocket subscribe failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "subscribe failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		stop()
		unsubscribe()
		s.logger.ErrorContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	cl := &wsClient{
		srv:    s,
		conn:   conn,
		events: events,
		send:   make(chan WSMessage, wsSendBufferSize),
		ctx:    ctx,
		stop: func() {
			stop()
			unsubscribe()
		},
	}
	s.clients.add(cl)
	s.logger.Debug("websocket client connected", "execution_id", filter.ExecutionID, "clients", s.clients.count())

	go cl.writePump()
	go cl.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.srv.clients.remove(c)
		c.stop()
		_ = c.conn.Close()
		c.srv.logger.Debug("websocket client disconnected", "clients", c.srv.clients.count())
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if !c.write(WSMessage{Type: WSTypeEvent, ExecutionID: ev.ExecutionID, Event: &ev}) {
				return
			}
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(msg WSMessage) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg) == nil
}

// reply queues msg for writePump, dropping it if the client is not keeping up.
func (c *wsClient) reply(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.srv.logger.Warn("websocket send buffer full, dropping reply", "type", msg.Type)
	}
}

func (c *wsClient) replyError(id string, err error) {
	body := &errorBody{Code: "INTERNAL", Message: err.Error()}
	if engErr := schema.AsEngineError(err); engErr != nil {
		body = &errorBody{Code: engErr.Code, Message: engErr.Message, Details: engErr.Details}
	}
	c.reply(WSMessage{Type: WSTypeError, ID: id, Error: body})
}

func (c *wsClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.replyError("", schema.NewError(schema.ErrCodeValidation, "invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(WSMessage{Type: WSTypePong, ID: msg.ID})
	case WSTypeSignal:
		c.handleSignal(msg)
	default:
		c.replyError(msg.ID, schema.NewErrorf(schema.ErrCodeValidation, "unknown message type %q", msg.Type))
	}
}

func (c *wsClient) handleSignal(msg WSMessage) {
	if msg.ExecutionID == "" {
		c.replyError(msg.ID, schema.NewError(schema.ErrCodeValidation, "execution_id is required"))
		return
	}
	sig, err := schema.ParseSignal(msg.Signal)
	if err != nil {
		c.replyError(msg.ID, err)
		return
	}
	if err := c.srv.deps.Manager.Signal(c.ctx, msg.ExecutionID, sig); err != nil {
		c.replyError(msg.ID, err)
		return
	}
	c.srv.announceSignal(c.ctx, msg.ExecutionID, sig, "websocket")
	c.reply(WSMessage{
		Type:        WSTypeResponse,
		ID:          msg.ID,
		ExecutionID: msg.ExecutionID,
		Signal:      string(sig),
	})
}
