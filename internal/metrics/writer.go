package metrics

import "arbflow/logger"

// WriterStats holds counters shared by the opportunity sinks.
type WriterStats struct {
	Written      int64
	Errors       int64
	Dropped      int64
	FilesWritten int64
	BytesWritten int64
	BufferLen    int
	BufferCap    int
}

// ReportWriter logs a sink's counters and emits them as metrics.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}

	errorRate := float64(0)
	if stats.Written+stats.Errors > 0 {
		errorRate = float64(stats.Errors) / float64(stats.Written+stats.Errors)
	}

	fields := logger.Fields{"sink": component}
	EmitMetric(log, component, "opportunities_written", stats.Written, "counter", fields)
	EmitMetric(log, component, "write_errors", stats.Errors, "counter", fields)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{"sink": component, "unit": "percent"})
	if stats.FilesWritten > 0 {
		EmitMetric(log, component, "files_written", stats.FilesWritten, "counter", fields)
	}

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"written":       stats.Written,
		"errors":        stats.Errors,
		"dropped":       stats.Dropped,
		"error_rate":    errorRate,
		"files_written": stats.FilesWritten,
		"bytes_written": stats.BytesWritten,
		"buffer_len":    stats.BufferLen,
		"buffer_cap":    stats.BufferCap,
	})
	if stats.Errors > 0 || stats.Dropped > 0 {
		entry.Warn("sink metrics")
		return
	}
	entry.Info("sink metrics")
}
