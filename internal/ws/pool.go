package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wayfarer-labs/wayfarer/pkg/protocol"
)

// ErrPoolFull is returned by Add when the pool is at capacity. The accept
// path turns it into a capacity-exceeded close, never a crash.
var ErrPoolFull = errors.New("connection pool full")

// wire is the part of a WebSocket connection the pool layer touches.
// *websocket.Conn satisfies it; tests substitute fakes.
type wire interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is one registered client connection. All writes to the socket go
// through write, which serializes against the keepalive pinger and the
// batcher with a single mutex.
type Conn struct {
	ID          string
	UserID      string
	SessionID   string
	Channels    []string
	Binary      bool
	ConnectedAt time.Time

	ws      wire
	writeMu sync.Mutex
	batcher *Batcher
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// Send queues an event for batched delivery.
func (c *Conn) Send(event protocol.Event) {
	c.batcher.AddMessage(event)
}

// close flushes and stops the batcher, then closes the socket. Idempotent
// through the batcher's own idempotence and the socket's tolerance of
// double close.
func (c *Conn) close() {
	c.batcher.Close()
	_ = c.ws.Close()
}

// Pool owns the set of active connections and two secondary indexes, by
// user and by session. One mutex covers all three maps so registration
// and removal are atomic: the indexes never point at a connection the
// primary map doesn't hold.
type Pool struct {
	maxSize int
	logger  *slog.Logger

	mu           sync.Mutex
	conns        map[string]*Conn
	userConns    map[string]map[string]struct{}
	sessionConns map[string]map[string]struct{}
}

func NewPool(maxSize int, logger *slog.Logger) *Pool {
	return &Pool{
		maxSize:      maxSize,
		logger:       logger,
		conns:        make(map[string]*Conn),
		userConns:    make(map[string]map[string]struct{}),
		sessionConns: make(map[string]map[string]struct{}),
	}
}

// Add registers a connection. Capacity is checked before any map is
// touched; at the limit nothing mutates and ErrPoolFull comes back. A
// duplicate ID evicts the previous connection, closing its batcher so
// queued events flush before the socket goes away.
func (p *Pool) Add(c *Conn) error {
	p.mu.Lock()

	old, replacing := p.conns[c.ID]
	if !replacing && len(p.conns) >= p.maxSize {
		p.mu.Unlock()
		return ErrPoolFull
	}
	if replacing {
		p.removeLocked(old)
	}

	p.conns[c.ID] = c
	if c.UserID != "" {
		set, ok := p.userConns[c.UserID]
		if !ok {
			set = make(map[string]struct{})
			p.userConns[c.UserID] = set
		}
		set[c.ID] = struct{}{}
	}
	if c.SessionID != "" {
		set, ok := p.sessionConns[c.SessionID]
		if !ok {
			set = make(map[string]struct{})
			p.sessionConns[c.SessionID] = set
		}
		set[c.ID] = struct{}{}
	}
	total := len(p.conns)
	p.mu.Unlock()

	if replacing {
		old.close()
	}
	p.logger.Debug("connection registered", "connection_id", c.ID, "user_id", c.UserID, "total", total)
	return nil
}

// Remove unregisters a connection and closes it. Calling it for an
// unknown or already-removed ID is a no-op.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		p.removeLocked(c)
	}
	total := len(p.conns)
	p.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	p.logger.Debug("connection removed", "connection_id", id, "total", total)
}

// removeLocked drops c from all three maps. Empty index sets are deleted
// so the maps don't accumulate dead keys. Caller holds p.mu and closes
// the connection after releasing it.
func (p *Pool) removeLocked(c *Conn) {
	delete(p.conns, c.ID)
	if set, ok := p.userConns[c.UserID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(p.userConns, c.UserID)
		}
	}
	if set, ok := p.sessionConns[c.SessionID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(p.sessionConns, c.SessionID)
		}
	}
}

// UpdateChannels replaces the channel list of a connection. The pool
// mutex covers Channels so List never races a subscribe.
func (p *Pool) UpdateChannels(id string, channels []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[id]; ok {
		c.Channels = channels
	}
}

// Get returns the connection for id, if registered.
func (p *Pool) Get(id string) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return c, ok
}

// BroadcastToUser queues event on every connection of the user and
// returns how many received it. Unknown users deliver to zero.
func (p *Pool) BroadcastToUser(userID string, event protocol.Event) int {
	return p.broadcast(p.snapshotIndex(p.userConns, userID), event)
}

// BroadcastToSession queues event on every connection in the session and
// returns how many received it.
func (p *Pool) BroadcastToSession(sessionID string, event protocol.Event) int {
	return p.broadcast(p.snapshotIndex(p.sessionConns, sessionID), event)
}

// snapshotIndex copies the target connections out under the lock so the
// enqueue loop runs without holding it.
func (p *Pool) snapshotIndex(index map[string]map[string]struct{}, key string) []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := index[key]
	if !ok {
		return nil
	}
	targets := make([]*Conn, 0, len(set))
	for id := range set {
		if c, ok := p.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	return targets
}

func (p *Pool) broadcast(targets []*Conn, event protocol.Event) int {
	for _, c := range targets {
		c.Send(event)
	}
	return len(targets)
}

// Stats summarizes pool occupancy for the health endpoint.
type Stats struct {
	TotalConnections int `json:"total_connections"`
	UniqueUsers      int `json:"unique_users"`
	ActiveSessions   int `json:"active_sessions"`
	MaxPoolSize      int `json:"max_pool_size"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalConnections: len(p.conns),
		UniqueUsers:      len(p.userConns),
		ActiveSessions:   len(p.sessionConns),
		MaxPoolSize:      p.maxSize,
	}
}

// ConnInfo describes one connection for the admin listing.
type ConnInfo struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Channels     []string  `json:"channels,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// List returns a snapshot of every registered connection.
func (p *Pool) List() []ConnInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]ConnInfo, 0, len(p.conns))
	for _, c := range p.conns {
		infos = append(infos, ConnInfo{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			SessionID:    c.SessionID,
			Channels:     c.Channels,
			ConnectedAt:  c.ConnectedAt,
		})
	}
	return infos
}

// CloseAll removes and closes every connection. Used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.userConns = make(map[string]map[string]struct{})
	p.sessionConns = make(map[string]map[string]struct{})
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
