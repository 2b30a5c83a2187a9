package ws

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wayfarer-labs/wayfarer/pkg/protocol"
)

// sendFunc writes one wire frame. Implementations must be safe for
// concurrent use (the connection's write mutex lives behind it).
type sendFunc func(messageType int, data []byte) error

// batcherOptions are the per-connection knobs the Batcher runs with.
type batcherOptions struct {
	batchSize             int
	batchTimeout          time.Duration
	compressionThreshold  int
	compressionMinRatio   float64
	maxQueueSize          int
	backpressureThreshold float64
	binary                bool
}

// Batcher aggregates outbound events for one connection into batched wire
// frames. AddMessage never blocks on I/O: events queue under a mutex, and
// a drain moves the queue onto the pending list as one batch. Writes run
// on the timer goroutine or a spawned one, popping pending batches under
// a second mutex so frames leave in drain order with one write in flight.
type Batcher struct {
	opts    batcherOptions
	send    sendFunc
	metrics *Metrics
	logger  *slog.Logger

	mu           sync.Mutex // guards queue, pending, timer, closed, pressured
	queue        []protocol.Event
	pending      [][]protocol.Event // drained batches awaiting write, oldest first
	pendingCount int                // events across pending, counted against maxQueueSize
	timer        *time.Timer
	closed       bool
	pressured    bool

	flushMu sync.Mutex // serializes writes
}

func newBatcher(opts batcherOptions, send sendFunc, metrics *Metrics, logger *slog.Logger) *Batcher {
	return &Batcher{
		opts:    opts,
		send:    send,
		metrics: metrics,
		logger:  logger,
	}
}

// AddMessage queues an event for delivery. It never blocks on the socket:
// a full queue drops the event (delivery is at-most-once) and a size
// trigger drains the batch here, handing the write to its own goroutine.
// Calls after Close are silently ignored.
func (b *Batcher) AddMessage(event protocol.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.queue)+b.pendingCount >= b.opts.maxQueueSize {
		b.mu.Unlock()
		b.metrics.RecordDropped()
		b.logger.Warn("outbound queue full, dropping event", "queue_size", b.opts.maxQueueSize)
		return
	}

	b.queue = append(b.queue, event)

	// One warning per pressure episode. The flag resets when a drain
	// empties the queue.
	if !b.pressured && float64(len(b.queue)+b.pendingCount) >= b.opts.backpressureThreshold*float64(b.opts.maxQueueSize) {
		b.pressured = true
		b.queue = append(b.queue, protocol.Event{
			"type":       protocol.EventRateLimitWarning,
			"queue_size": len(b.queue),
			"message":    "outbound queue under pressure, slow down",
		})
	}

	// Draining at the trigger, not when the write runs, keeps each
	// size-triggered batch at exactly batchSize even when adds outpace
	// the writer.
	if len(b.queue) >= b.opts.batchSize {
		b.drainLocked()
		b.mu.Unlock()
		go b.writePending()
		return
	}

	// Timer arms on the first enqueue and stays armed until a drain.
	if b.timer == nil {
		b.timer = time.AfterFunc(b.opts.batchTimeout, b.flush)
	}
	b.mu.Unlock()
}

// UnderPressure reports whether the queue has crossed the backpressure
// threshold since the last drain. The gateway throttles reads on it.
func (b *Batcher) UnderPressure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressured
}

// Close stops the timer, flushes anything still queued, and marks the
// batcher dead. Safe to call more than once.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.drainLocked()
	b.mu.Unlock()

	b.writePending()
}

// flush is the timer callback: drain whatever is queued and write it.
func (b *Batcher) flush() {
	b.mu.Lock()
	b.drainLocked()
	b.mu.Unlock()

	b.writePending()
}

// drainLocked moves the queue onto the pending list as one batch and
// disarms the timer. Caller holds mu. Drain order under mu is write
// order, which keeps delivery FIFO across racing triggers.
func (b *Batcher) drainLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		return
	}
	b.pending = append(b.pending, b.queue)
	b.pendingCount += len(b.queue)
	b.queue = nil
	b.pressured = false
}

// writePending writes drained batches oldest first until none remain.
// The flush mutex keeps one write in flight; concurrent callers whose
// batches were already taken find the list empty and return.
func (b *Batcher) writePending() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.pending[0]
		b.pending = b.pending[1:]
		b.pendingCount -= len(batch)
		b.mu.Unlock()

		b.writeBatch(batch)
	}
}

// writeBatch encodes and sends one batch frame.
func (b *Batcher) writeBatch(batch []protocol.Event) {
	start := time.Now()

	data, messageType := b.encode(batch)
	if data == nil {
		return
	}

	// Send failures are terminal for the socket, not for us: log and move
	// on, the read loop notices and tears the connection down.
	if err := b.send(messageType, data); err != nil {
		b.metrics.RecordSendError()
		b.logger.Debug("batch send failed", "error", err, "batch_size", len(batch))
		return
	}

	b.metrics.RecordBatch(len(batch), time.Since(start))
}

// encode serializes the batch envelope and applies compression when it
// pays for itself. Returns nil data if nothing could be encoded.
func (b *Batcher) encode(batch []protocol.Event) ([]byte, int) {
	envelope := protocol.BatchEnvelope(batch)

	var data []byte
	messageType := websocket.TextMessage

	if b.opts.binary {
		packed, err := msgpack.Marshal(envelope)
		if err == nil {
			data = packed
			messageType = websocket.BinaryMessage
		} else {
			b.logger.Debug("msgpack encode failed, falling back to json", "error", err)
		}
	}
	if data == nil {
		encoded, err := json.Marshal(envelope)
		if err != nil {
			b.logger.Error("batch encode failed", "error", err, "batch_size", len(batch))
			return nil, 0
		}
		data = encoded
	}

	if len(data) > b.opts.compressionThreshold {
		if compressed, ok := b.compress(data); ok {
			// Gzip frames are always binary; the magic bytes identify them.
			return compressed, websocket.BinaryMessage
		}
	}

	return data, messageType
}

// compress gzips data and reports whether the result is small enough to
// be worth sending instead of the original.
func (b *Batcher) compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if float64(buf.Len()) >= b.opts.compressionMinRatio*float64(len(data)) {
		return nil, false
	}
	return buf.Bytes(), true
}
