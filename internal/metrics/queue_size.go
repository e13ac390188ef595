package metrics

import (
	"context"
	"time"

	"arbflow/internal/channel"
	"arbflow/logger"
)

// StartQueueSizeMetrics emits the occupancy of every ingestion queue each
// interval until ctx is cancelled. Non-positive intervals use one second.
func StartQueueSizeMetrics(ctx context.Context, queues []*channel.Queue, interval time.Duration) {
	if len(queues) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					s := q.Stats()
					EmitMetric(log, "ingest_queue", "queue_length", s.Len, "gauge", logger.Fields{
						"exchange": q.Name(),
						"capacity": s.Cap,
						"unit":     "count",
					})
				}
			}
		}
	}()
}
