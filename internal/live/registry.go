// Package live keeps the set of authenticated websocket connections and
// delivers bus events to them. Dispatch never blocks on a slow client: a
// connection whose send buffer is full is evicted.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ctfgame/api/internal/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownConnection is returned for operations on an unregistered connection
	ErrUnknownConnection = errors.New("connection not registered")

	errSendBufferFull = errors.New("send buffer full")
)

// Config holds live connection settings. A connection is dropped when nothing,
// pong or message, arrives for HeartbeatInterval plus HeartbeatGrace.
type Config struct {
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatGrace    time.Duration `env:"HEARTBEAT_GRACE" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"LIVE_WRITE_TIMEOUT" envDefault:"10s"`
	SendBuffer        int           `env:"LIVE_SEND_BUFFER" envDefault:"64"`
	MaxMessageBytes   int64         `env:"LIVE_MAX_MESSAGE_BYTES" envDefault:"4096"`
	MessageRate       float64       `env:"LIVE_MESSAGE_RATE" envDefault:"10"`
	MessageBurst      int           `env:"LIVE_MESSAGE_BURST" envDefault:"20"`
}

// pongWait is how long a connection may stay silent before it is dropped
func (c *Config) pongWait() time.Duration {
	return c.HeartbeatInterval + c.HeartbeatGrace
}

// LoadConfigFromEnv loads live connection configuration from environment variables
func LoadConfigFromEnv() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse live config: %w", err)
	}
	return &cfg, nil
}

// TransportError is a failure on one connection. It only ever leads to the
// connection being dropped.
type TransportError struct {
	ConnID uuid.UUID
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection %s: %s: %v", e.ConnID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Identity is the authenticated player behind a connection
type Identity struct {
	UserID   int    `json:"userId"`
	Username string `json:"username"`
	TeamID   int    `json:"teamId"`
}

// Presence mirrors registrations into a shared store so other instances can count players
type Presence interface {
	Join(ctx context.Context, id Identity) error
	Leave(ctx context.Context, id Identity) error
}

// Conn is one registered connection
type Conn struct {
	ID uuid.UUID
	Identity

	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string]struct{}
}

func newConn(ws *websocket.Conn, id Identity, cfg *Config) *Conn {
	return &Conn{
		ID:       uuid.New(),
		Identity: id,
		ws:       ws,
		send:     make(chan []byte, cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst),
		subs:     make(map[string]struct{}),
	}
}

// Subscribed reports whether the connection follows flagID
func (c *Conn) Subscribed(flagID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[flagID]
	return ok
}

// enqueue must be called with the registry read lock held so send is never closed underneath it
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Registry owns every live connection of this process
type Registry struct {
	cfg      *Config
	presence Presence

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn
}

var _ realtime.Dispatcher = (*Registry)(nil)

// NewRegistry creates an empty registry. presence may be nil.
func NewRegistry(cfg *Config, presence Presence) *Registry {
	return &Registry{
		cfg:      cfg,
		presence: presence,
		conns:    make(map[uuid.UUID]*Conn),
	}
}

// Register adds an authenticated connection
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	if r.presence != nil {
		if err := r.presence.Join(context.Background(), c.Identity); err != nil {
			log.Printf("[Live] Failed to record presence for user %d: %v", c.UserID, err)
		}
	}
	log.Printf("[Live] Registered %s (user %d, team %d), %d connected", c.ID, c.UserID, c.TeamID, total)
}

// Unregister removes a connection and closes its send queue. Safe to call more than once.
func (r *Registry) Unregister(connID uuid.UUID) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		close(c.send)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.presence != nil {
		if err := r.presence.Leave(context.Background(), c.Identity); err != nil {
			log.Printf("[Live] Failed to clear presence for user %d: %v", c.UserID, err)
		}
	}
	log.Printf("[Live] Unregistered %s (user %d)", c.ID, c.UserID)
}

// Subscribe adds flagID to the connection's subscription set
func (r *Registry) Subscribe(connID uuid.UUID, flagID string) error {
	c, err := r.lookup(connID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[flagID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes flagID from the connection's subscription set
func (r *Registry) Unsubscribe(connID uuid.UUID, flagID string) error {
	c, err := r.lookup(connID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, flagID)
	c.mu.Unlock()
	return nil
}

func (r *Registry) lookup(connID uuid.UUID) (*Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return c, nil
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ActiveByTeam counts distinct connected users per team
func (r *Registry) ActiveByTeam(context.Context) (map[int]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int]bool)
	counts := make(map[int]int64)
	for _, c := range r.conns {
		if seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		counts[c.TeamID]++
	}
	return counts, nil
}

// DispatchGlobal delivers e to every connection
func (r *Registry) DispatchGlobal(e realtime.Event) {
	r.dispatch(e, func(*Conn) bool { return true })
}

// DispatchToFlagSubscribers delivers e to connections subscribed to flagID
func (r *Registry) DispatchToFlagSubscribers(flagID string, e realtime.Event) {
	r.dispatch(e, func(c *Conn) bool { return c.Subscribed(flagID) })
}

// DispatchToUser delivers e to every connection of one user
func (r *Registry) DispatchToUser(userID int, e realtime.Event) {
	r.dispatch(e, func(c *Conn) bool { return c.UserID == userID })
}

// DispatchToTeam delivers e to every connection of one team
func (r *Registry) DispatchToTeam(teamID int, e realtime.Event) {
	r.dispatch(e, func(c *Conn) bool { return c.TeamID == teamID })
}

func (r *Registry) dispatch(e realtime.Event, match func(*Conn) bool) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("[Live] Failed to encode %s event: %v", e.Event, err)
		return
	}
	r.deliver(payload, match)
}

func (r *Registry) deliver(payload []byte, match func(*Conn) bool) {
	var slow []*Conn
	r.mu.RLock()
	for _, c := range r.conns {
		if match(c) && !c.enqueue(payload) {
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range slow {
		log.Printf("[Live] Evicting: %v", &TransportError{ConnID: c.ID, Op: "dispatch", Err: errSendBufferFull})
		r.Unregister(c.ID)
	}
}

// reply queues a protocol message for a single connection
func (r *Registry) reply(c *Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Live] Failed to encode reply for %s: %v", c.ID, err)
		return
	}

	r.mu.RLock()
	_, registered := r.conns[c.ID]
	full := registered && !c.enqueue(payload)
	r.mu.RUnlock()

	if full {
		log.Printf("[Live] Evicting: %v", &TransportError{ConnID: c.ID, Op: "reply", Err: errSendBufferFull})
		r.Unregister(c.ID)
	}
}
