package ws

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wayfarer-labs/wayfarer/pkg/protocol"
)

type capturedFrame struct {
	messageType int
	data        []byte
}

// frameCapture is a sendFunc that records every frame.
type frameCapture struct {
	mu     sync.Mutex
	frames []capturedFrame
	err    error
}

func (f *frameCapture) send(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, capturedFrame{messageType: messageType, data: cp})
	return nil
}

func (f *frameCapture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *frameCapture) get(i int) capturedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[i]
}

// waitFrames polls until at least n frames arrived.
func (f *frameCapture) waitFrames(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, f.count())
}

func testBatcherOptions() batcherOptions {
	return batcherOptions{
		batchSize:             20,
		batchTimeout:          50 * time.Millisecond,
		compressionThreshold:  1 << 20, // effectively off
		compressionMinRatio:   0.9,
		maxQueueSize:          1000,
		backpressureThreshold: 0.8,
	}
}

func newTestBatcher(t *testing.T, opts batcherOptions) (*Batcher, *frameCapture) {
	t.Helper()
	capture := &frameCapture{}
	b := newBatcher(opts, capture.send, &Metrics{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Close)
	return b, capture
}

type batchFrame struct {
	Type     string           `json:"type" msgpack:"type"`
	Messages []map[string]any `json:"messages" msgpack:"messages"`
	Count    int              `json:"count" msgpack:"count"`
}

var gzipMagic = []byte{0x1f, 0x8b}

// decodeFrame unwraps one wire frame into its batch envelope, handling
// gzip and MessagePack the way a client would.
func decodeFrame(t *testing.T, frame capturedFrame) batchFrame {
	t.Helper()
	data := frame.data
	if frame.messageType == websocket.BinaryMessage && bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			t.Fatalf("gunzip: %v", err)
		}
		frame = capturedFrame{messageType: websocket.TextMessage, data: data}
	}

	var batch batchFrame
	if frame.messageType == websocket.BinaryMessage {
		if err := msgpack.Unmarshal(data, &batch); err != nil {
			t.Fatalf("msgpack decode: %v", err)
		}
	} else {
		if err := json.Unmarshal(data, &batch); err != nil {
			t.Fatalf("json decode: %v", err)
		}
	}
	if batch.Type != protocol.EventBatch {
		t.Fatalf("envelope type: got %q, want %q", batch.Type, protocol.EventBatch)
	}
	if batch.Count != len(batch.Messages) {
		t.Fatalf("count %d does not match %d messages", batch.Count, len(batch.Messages))
	}
	return batch
}

func TestFlushOnBatchSize(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 3
	opts.batchTimeout = time.Hour
	b, capture := newTestBatcher(t, opts)

	for i := 0; i < 3; i++ {
		b.AddMessage(protocol.Event{"type": "test", "seq": fmt.Sprintf("s%d", i)})
	}

	capture.waitFrames(t, 1)
	batch := decodeFrame(t, capture.get(0))
	if batch.Count != 3 {
		t.Errorf("batch count: got %d, want 3", batch.Count)
	}
	for i, m := range batch.Messages {
		if want := fmt.Sprintf("s%d", i); m["seq"] != want {
			t.Errorf("message %d: got seq %v, want %s", i, m["seq"], want)
		}
	}
}

func TestSizeTriggerCapsBatch(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 20
	opts.batchTimeout = time.Hour
	b, capture := newTestBatcher(t, opts)

	const total = 25
	for i := 0; i < total; i++ {
		b.AddMessage(protocol.Event{"type": "test", "seq": fmt.Sprintf("s%02d", i)})
	}
	b.Close()

	first := decodeFrame(t, capture.get(0))
	if first.Count != opts.batchSize {
		t.Errorf("first batch count: got %d, want exactly %d", first.Count, opts.batchSize)
	}

	delivered := 0
	for i := 0; i < capture.count(); i++ {
		delivered += decodeFrame(t, capture.get(i)).Count
	}
	if delivered != total {
		t.Errorf("delivered %d messages, want %d", delivered, total)
	}
}

func TestFlushOnTimeout(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 100
	opts.batchTimeout = 20 * time.Millisecond
	b, capture := newTestBatcher(t, opts)

	b.AddMessage(protocol.Event{"type": "test", "seq": "s0"})
	b.AddMessage(protocol.Event{"type": "test", "seq": "s1"})

	capture.waitFrames(t, 1)
	batch := decodeFrame(t, capture.get(0))
	if batch.Count != 2 {
		t.Errorf("batch count: got %d, want 2", batch.Count)
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 100
	opts.batchTimeout = time.Hour
	b, capture := newTestBatcher(t, opts)

	b.AddMessage(protocol.Event{"type": "test", "seq": "s0"})
	b.AddMessage(protocol.Event{"type": "test", "seq": "s1"})
	b.Close()

	if capture.count() != 1 {
		t.Fatalf("frames after close: got %d, want 1", capture.count())
	}
	batch := decodeFrame(t, capture.get(0))
	if batch.Count != 2 {
		t.Errorf("batch count: got %d, want 2", batch.Count)
	}

	// Idempotent close, and enqueues after close are dropped silently.
	b.Close()
	b.AddMessage(protocol.Event{"type": "test", "seq": "late"})
	if capture.count() != 1 {
		t.Errorf("frames after second close: got %d, want 1", capture.count())
	}
}

func TestOrderPreservedAcrossFlushes(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 4
	opts.batchTimeout = 10 * time.Millisecond
	b, capture := newTestBatcher(t, opts)

	const total = 25
	for i := 0; i < total; i++ {
		b.AddMessage(protocol.Event{"type": "test", "seq": fmt.Sprintf("s%03d", i)})
	}
	b.Close()

	var seqs []string
	for i := 0; i < capture.count(); i++ {
		batch := decodeFrame(t, capture.get(i))
		for _, m := range batch.Messages {
			seqs = append(seqs, m["seq"].(string))
		}
	}
	if len(seqs) != total {
		t.Fatalf("delivered %d messages, want %d", len(seqs), total)
	}
	for i, s := range seqs {
		if want := fmt.Sprintf("s%03d", i); s != want {
			t.Fatalf("position %d: got %s, want %s", i, s, want)
		}
	}
}

func TestCompressionAboveThreshold(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 100
	opts.batchTimeout = time.Hour
	opts.compressionThreshold = 64
	b, capture := newTestBatcher(t, opts)

	// Highly repetitive content compresses far below the ratio gate.
	b.AddMessage(protocol.Event{"type": "test", "content": strings.Repeat("itinerary ", 200)})
	b.Close()

	if capture.count() != 1 {
		t.Fatalf("frames: got %d, want 1", capture.count())
	}
	frame := capture.get(0)
	if frame.messageType != websocket.BinaryMessage {
		t.Fatal("compressed frame should be binary")
	}
	if !bytes.HasPrefix(frame.data, gzipMagic) {
		t.Fatal("compressed frame missing gzip magic bytes")
	}
	batch := decodeFrame(t, frame)
	if batch.Count != 1 {
		t.Errorf("batch count: got %d, want 1", batch.Count)
	}
}

func TestCompressionSkippedWhenNotBeneficial(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 100
	opts.batchTimeout = time.Hour
	opts.compressionThreshold = 64
	// A ratio nothing can meet: the payload stays uncompressed.
	opts.compressionMinRatio = 0.001
	b, capture := newTestBatcher(t, opts)

	b.AddMessage(protocol.Event{"type": "test", "content": strings.Repeat("itinerary ", 200)})
	b.Close()

	frame := capture.get(0)
	if frame.messageType != websocket.TextMessage {
		t.Error("frame should stay text when compression does not pay")
	}
	if bytes.HasPrefix(frame.data, gzipMagic) {
		t.Error("frame should not be gzipped")
	}
}

func TestBinaryModeUsesMsgpack(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 2
	opts.binary = true
	b, capture := newTestBatcher(t, opts)

	b.AddMessage(protocol.Event{"type": "test", "seq": "s0"})
	b.AddMessage(protocol.Event{"type": "test", "seq": "s1"})

	capture.waitFrames(t, 1)
	frame := capture.get(0)
	if frame.messageType != websocket.BinaryMessage {
		t.Fatal("binary mode should produce binary frames")
	}
	if bytes.HasPrefix(frame.data, gzipMagic) {
		t.Fatal("small batch should not be compressed")
	}
	batch := decodeFrame(t, frame)
	if batch.Count != 2 {
		t.Errorf("batch count: got %d, want 2", batch.Count)
	}
}

func TestBackpressureWarning(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 100
	opts.batchTimeout = time.Hour
	opts.maxQueueSize = 10
	opts.backpressureThreshold = 0.5
	b, capture := newTestBatcher(t, opts)

	for i := 0; i < 5; i++ {
		b.AddMessage(protocol.Event{"type": "test", "seq": fmt.Sprintf("s%d", i)})
	}
	if !b.UnderPressure() {
		t.Error("batcher should report pressure after crossing the threshold")
	}

	b.Close()
	batch := decodeFrame(t, capture.get(0))

	warnings := 0
	for _, m := range batch.Messages {
		if m["type"] == protocol.EventRateLimitWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("rate limit warnings: got %d, want exactly 1", warnings)
	}
	if b.UnderPressure() {
		t.Error("pressure flag should reset after the queue drains")
	}
}

func TestQueueFullDropsNewest(t *testing.T) {
	opts := testBatcherOptions()
	opts.batchSize = 100
	opts.batchTimeout = time.Hour
	opts.maxQueueSize = 3
	opts.backpressureThreshold = 2.0 // keep the warning out of the way
	b, capture := newTestBatcher(t, opts)

	for i := 0; i < 5; i++ {
		b.AddMessage(protocol.Event{"type": "test", "seq": fmt.Sprintf("s%d", i)})
	}
	b.Close()

	batch := decodeFrame(t, capture.get(0))
	if batch.Count != 3 {
		t.Errorf("batch count: got %d, want 3 (overflow dropped)", batch.Count)
	}
	if got := b.metrics.Snapshot().DroppedMessages; got != 2 {
		t.Errorf("dropped: got %d, want 2", got)
	}
}

func TestSendFailureDoesNotPropagate(t *testing.T) {
	capture := &frameCapture{err: errors.New("socket closed")}
	metrics := &Metrics{}
	b := newBatcher(testBatcherOptions(), capture.send, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))

	b.AddMessage(protocol.Event{"type": "test"})
	b.Close()

	if got := metrics.Snapshot().SendErrors; got != 1 {
		t.Errorf("send errors: got %d, want 1", got)
	}
}
