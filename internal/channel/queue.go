package channel

import (
	"sync/atomic"

	"arbflow/logger"
	"arbflow/models"
)

// QueueStats tracks enqueue/dropped counters.
type QueueStats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Len     int   `json:"len"`
	Cap     int   `json:"cap"`
}

// Queue is the bounded hand-off between one connector and the dispatcher.
// TryEnqueue is safe from any goroutine, including vendor SDK callbacks, and
// never blocks: when the buffer is full the incoming ticker is rejected so
// everything already queued keeps its order.
type Queue struct {
	name string
	ch   chan models.Ticker

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewQueue allocates a buffered queue for the named producer.
func NewQueue(name string, size int) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{
		name: name,
		ch:   make(chan models.Ticker, size),
	}

	logger.GetLogger().WithComponent("ingest_queue").WithFields(logger.Fields{
		"producer":    name,
		"buffer_size": size,
	}).Debug("ingestion queue initialized")

	return q
}

func (q *Queue) Name() string { return q.name }

// TryEnqueue offers t to the queue and reports whether it was accepted.
func (q *Queue) TryEnqueue(t models.Ticker) bool {
	select {
	case q.ch <- t:
		q.sent.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Out is the consumer side of the queue.
func (q *Queue) Out() <-chan models.Ticker {
	return q.ch
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }

// Stats returns a snapshot of the telemetry counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Sent:    q.sent.Load(),
		Dropped: q.dropped.Load(),
		Len:     len(q.ch),
		Cap:     cap(q.ch),
	}
}
