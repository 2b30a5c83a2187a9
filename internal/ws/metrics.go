package ws

import (
	"sync/atomic"
	"time"
)

// Metrics tracks transport-layer counters. All fields are atomics so the
// hot path never takes a lock and health snapshots are wait-free.
type Metrics struct {
	messagesProcessed atomic.Int64
	batchesSent       atomic.Int64
	processingNanos   atomic.Int64
	sendErrors        atomic.Int64
	droppedMessages   atomic.Int64
}

// RecordBatch records one flushed batch of n messages that took d to
// encode and write.
func (m *Metrics) RecordBatch(n int, d time.Duration) {
	m.messagesProcessed.Add(int64(n))
	m.batchesSent.Add(1)
	m.processingNanos.Add(int64(d))
}

func (m *Metrics) RecordSendError() { m.sendErrors.Add(1) }

func (m *Metrics) RecordDropped() { m.droppedMessages.Add(1) }

// Snapshot is a point-in-time copy of the counters plus derived averages.
type Snapshot struct {
	MessagesProcessed int64   `json:"messages_processed"`
	BatchesSent       int64   `json:"batches_sent"`
	SendErrors        int64   `json:"send_errors"`
	DroppedMessages   int64   `json:"dropped_messages"`
	AvgBatchSize      float64 `json:"avg_batch_size"`
	AvgProcessingMs   float64 `json:"avg_processing_ms"`

	// Transport capabilities, constant for a given build.
	CompressionSupported bool `json:"compression_supported"`
	BinarySupported      bool `json:"binary_supported"`
}

// Snapshot reads the counters without locking. The reads are individually
// atomic, not mutually consistent, which is fine for health output.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		MessagesProcessed:    m.messagesProcessed.Load(),
		BatchesSent:          m.batchesSent.Load(),
		SendErrors:           m.sendErrors.Load(),
		DroppedMessages:      m.droppedMessages.Load(),
		CompressionSupported: true,
		BinarySupported:      true,
	}
	if s.BatchesSent > 0 {
		s.AvgBatchSize = float64(s.MessagesProcessed) / float64(s.BatchesSent)
		s.AvgProcessingMs = float64(m.processingNanos.Load()) / float64(s.BatchesSent) / float64(time.Millisecond)
	}
	return s
}
