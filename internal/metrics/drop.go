package metrics

import "arbflow/logger"

// DropMetric names a metric emitted when data is discarded.
type DropMetric string

const (
	// DropMetricTickers counts tickers rejected by a full ingestion queue.
	DropMetricTickers DropMetric = "tickers_dropped"
	// DropMetricMalformed counts frames that failed to parse or validate.
	DropMetricMalformed DropMetric = "malformed_frames_dropped"
	// DropMetricOpportunities counts opportunities a sink buffer rejected.
	DropMetricOpportunities DropMetric = "opportunities_dropped"
)

// EmitDropMetric reports count discarded items. exchange and stage become
// dimensions when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, stage string, count int64) {
	if count <= 0 {
		return
	}
	fields := logger.Fields{"unit": "count"}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "drops", string(metric), count, "counter", fields)
}
