package ws

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wayfarer-labs/wayfarer/pkg/protocol"
)

type fakeWire struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeWire) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeWire) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWire) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestConn builds a pool connection over a fake socket. The batcher is
// configured so events only leave on Close, which keeps queue inspection
// deterministic.
func newTestConn(id, userID, sessionID string) (*Conn, *fakeWire) {
	w := &fakeWire{}
	c := &Conn{
		ID:          id,
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		ws:          w,
	}
	c.batcher = newBatcher(batcherOptions{
		batchSize:             1000,
		batchTimeout:          time.Hour,
		compressionThreshold:  1 << 20,
		compressionMinRatio:   0.9,
		maxQueueSize:          1000,
		backpressureThreshold: 0.8,
	}, c.write, &Metrics{}, discardLogger())
	return c, w
}

func queuedEvents(c *Conn) []protocol.Event {
	c.batcher.mu.Lock()
	defer c.batcher.mu.Unlock()
	return append([]protocol.Event(nil), c.batcher.queue...)
}

func TestPoolAddRemove(t *testing.T) {
	p := NewPool(10, discardLogger())
	c, w := newTestConn("c1", "u1", "s1")

	if err := p.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := p.Get("c1")
	if !ok || got != c {
		t.Fatal("Get did not return the registered connection")
	}

	stats := p.Stats()
	if stats.TotalConnections != 1 || stats.UniqueUsers != 1 || stats.ActiveSessions != 1 {
		t.Errorf("Stats: got %+v", stats)
	}

	p.Remove("c1")
	if !w.isClosed() {
		t.Error("Remove should close the socket")
	}
	if _, ok := p.Get("c1"); ok {
		t.Error("connection still registered after Remove")
	}

	stats = p.Stats()
	if stats.TotalConnections != 0 || stats.UniqueUsers != 0 || stats.ActiveSessions != 0 {
		t.Errorf("Stats after remove: got %+v (index sets must be deleted when empty)", stats)
	}

	// Removing again, or removing garbage, is a no-op.
	p.Remove("c1")
	p.Remove("never-existed")
}

func TestPoolCapacity(t *testing.T) {
	p := NewPool(2, discardLogger())

	c1, _ := newTestConn("c1", "u1", "s1")
	c2, _ := newTestConn("c2", "u2", "s2")
	c3, _ := newTestConn("c3", "u3", "s3")

	if err := p.Add(c1); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(c2); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(c3); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("third add: got %v, want ErrPoolFull", err)
	}

	// Rejection must not have mutated anything.
	if stats := p.Stats(); stats.TotalConnections != 2 {
		t.Errorf("TotalConnections after rejection: got %d, want 2", stats.TotalConnections)
	}
	if _, ok := p.Get("c3"); ok {
		t.Error("rejected connection ended up in the pool")
	}

	p.Remove("c1")
	if err := p.Add(c3); err != nil {
		t.Errorf("add after eviction: %v", err)
	}
}

func TestPoolDuplicateAddReplacesConnection(t *testing.T) {
	p := NewPool(10, discardLogger())

	c1, w1 := newTestConn("c1", "u1", "s1")
	c2, _ := newTestConn("c1", "u1", "s1")

	if err := p.Add(c1); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(c2); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}

	if !w1.isClosed() {
		t.Error("old socket should be closed on replacement")
	}
	c1.batcher.mu.Lock()
	oldClosed := c1.batcher.closed
	c1.batcher.mu.Unlock()
	if !oldClosed {
		t.Error("old batcher should be closed on replacement")
	}

	got, ok := p.Get("c1")
	if !ok || got != c2 {
		t.Error("pool should hold the replacement connection")
	}
	if stats := p.Stats(); stats.TotalConnections != 1 {
		t.Errorf("TotalConnections: got %d, want 1", stats.TotalConnections)
	}
}

func TestBroadcastToUser(t *testing.T) {
	p := NewPool(10, discardLogger())

	c1, _ := newTestConn("c1", "u1", "s1")
	c2, _ := newTestConn("c2", "u1", "s2")
	c3, _ := newTestConn("c3", "u2", "s3")
	for _, c := range []*Conn{c1, c2, c3} {
		if err := p.Add(c); err != nil {
			t.Fatal(err)
		}
	}

	event := protocol.NewEvent("test", "u1", "")
	if got := p.BroadcastToUser("u1", event); got != 2 {
		t.Errorf("delivered: got %d, want 2", got)
	}
	if got := p.BroadcastToUser("unknown", event); got != 0 {
		t.Errorf("unknown user delivered: got %d, want 0", got)
	}

	if len(queuedEvents(c1)) != 1 || len(queuedEvents(c2)) != 1 {
		t.Error("both of the user's connections should have the event queued")
	}
	if len(queuedEvents(c3)) != 0 {
		t.Error("other users must not receive the event")
	}
}

func TestBroadcastToSession(t *testing.T) {
	p := NewPool(10, discardLogger())

	c1, _ := newTestConn("c1", "u1", "s1")
	c2, _ := newTestConn("c2", "u2", "s1")
	for _, c := range []*Conn{c1, c2} {
		if err := p.Add(c); err != nil {
			t.Fatal(err)
		}
	}

	if got := p.BroadcastToSession("s1", protocol.NewEvent("test", "", "s1")); got != 2 {
		t.Errorf("delivered: got %d, want 2", got)
	}
	if got := p.BroadcastToSession("s404", protocol.NewEvent("test", "", "s404")); got != 0 {
		t.Errorf("unknown session delivered: got %d, want 0", got)
	}
}

func TestPoolList(t *testing.T) {
	p := NewPool(10, discardLogger())
	c1, _ := newTestConn("c1", "u1", "s1")
	if err := p.Add(c1); err != nil {
		t.Fatal(err)
	}

	infos := p.List()
	if len(infos) != 1 {
		t.Fatalf("List: got %d entries, want 1", len(infos))
	}
	if infos[0].ConnectionID != "c1" || infos[0].UserID != "u1" || infos[0].SessionID != "s1" {
		t.Errorf("List entry: got %+v", infos[0])
	}
}

func TestPoolCloseAll(t *testing.T) {
	p := NewPool(10, discardLogger())
	c1, w1 := newTestConn("c1", "u1", "s1")
	c2, w2 := newTestConn("c2", "u2", "s2")
	for _, c := range []*Conn{c1, c2} {
		if err := p.Add(c); err != nil {
			t.Fatal(err)
		}
	}

	p.CloseAll()

	if stats := p.Stats(); stats.TotalConnections != 0 {
		t.Errorf("TotalConnections after CloseAll: got %d", stats.TotalConnections)
	}
	if !w1.isClosed() || !w2.isClosed() {
		t.Error("CloseAll should close every socket")
	}
}
