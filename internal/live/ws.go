package live

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/ctfgame/api/internal/auth"
	"github.com/gorilla/websocket"
)

// Client message types
const (
	msgPing        = "ping"
	msgSubscribe   = "subscribe_flag"
	msgUnsubscribe = "unsubscribe_flag"
)

type inbound struct {
	Type   string `json:"type"`
	FlagID string `json:"flagId,omitempty"`
}

type outbound struct {
	Type         string `json:"type"`
	FlagID       string `json:"flagId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       int    `json:"userId,omitempty"`
	TeamID       int    `json:"teamId,omitempty"`
	Error        string `json:"error,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// TokenValidator checks the credential presented at handshake
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Handler upgrades HTTP requests into registered live connections
type Handler struct {
	registry *Registry
	tokens   TokenValidator
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint
func NewHandler(registry *Registry, tokens TokenValidator) *Handler {
	return &Handler{
		registry: registry,
		tokens:   tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, _ := auth.BearerToken(r.Header.Get("Authorization"))
	return token
}

// ServeHTTP authenticates, registers and then serves one connection until it closes
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Live] Upgrade failed: %v", err)
		return
	}

	claims, err := h.tokens.ValidateToken(tokenFromRequest(r))
	if err != nil {
		log.Printf("[Live] Rejected connection from %s: %v", r.RemoteAddr, err)
		deadline := time.Now().Add(h.registry.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token")
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		ws.Close()
		return
	}

	c := newConn(ws, Identity{UserID: claims.UserID, Username: claims.Username, TeamID: claims.TeamID}, h.registry.cfg)
	h.registry.Register(c)

	go h.registry.writePump(c)

	h.registry.reply(c, outbound{
		Type:         "connected",
		ConnectionID: c.ID.String(),
		UserID:       c.UserID,
		TeamID:       c.TeamID,
		Timestamp:    time.Now().UnixMilli(),
	})

	h.registry.readPump(c)
}

// readPump handles client messages. A missed heartbeat, a read error or a
// close frame ends the connection.
func (r *Registry) readPump(c *Conn) {
	defer func() {
		r.Unregister(c.ID)
		c.ws.Close()
	}()

	pongWait := r.cfg.pongWait()
	c.ws.SetReadLimit(r.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Live] %v", &TransportError{ConnID: c.ID, Op: "read", Err: err})
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			r.reply(c, outbound{Type: "error", Error: "rate limit exceeded", Timestamp: time.Now().UnixMilli()})
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			r.reply(c, outbound{Type: "error", Error: "invalid message", Timestamp: time.Now().UnixMilli()})
			continue
		}
		r.handle(c, msg)
	}
}

func (r *Registry) handle(c *Conn, msg inbound) {
	now := time.Now().UnixMilli()

	switch msg.Type {
	case msgPing:
		r.reply(c, outbound{Type: "pong", Timestamp: now})
	case msgSubscribe, msgUnsubscribe:
		if msg.FlagID == "" {
			r.reply(c, outbound{Type: "error", Error: "flagId is required", Timestamp: now})
			return
		}
		ack := "subscribed"
		op := r.Subscribe
		if msg.Type == msgUnsubscribe {
			ack = "unsubscribed"
			op = r.Unsubscribe
		}
		if err := op(c.ID, msg.FlagID); err != nil {
			return
		}
		r.reply(c, outbound{Type: ack, FlagID: msg.FlagID, Timestamp: now})
	default:
		r.reply(c, outbound{Type: "error", Error: "unknown message type", Timestamp: now})
	}
}

// writePump is the only writer on the socket. It exits when the send queue is
// closed by Unregister or a write fails.
func (r *Registry) writePump(c *Conn) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[Live] %v", &TransportError{ConnID: c.ID, Op: "write", Err: err})
				r.Unregister(c.ID)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[Live] %v", &TransportError{ConnID: c.ID, Op: "ping", Err: err})
				r.Unregister(c.ID)
				return
			}
		}
	}
}
