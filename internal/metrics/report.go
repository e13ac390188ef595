package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"arbflow/internal/health"
	"arbflow/logger"
)

// ReportSources are the counters folded into the runtime report.
type ReportSources struct {
	Connectors []health.Source
	// Dispatcher returns applied, outdated and evicted totals.
	Dispatcher func() (applied, outdated, evicted int64)
	// SinkDrops returns dropped opportunities per sink.
	SinkDrops func() map[string]int64
}

// StartReport logs host and pipeline statistics every interval and emits
// drop deltas as metrics.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, src ReportSources) {
	if interval <= 0 {
		return
	}
	r := &reporter{log: log, src: src, lastDropped: map[string]int64{}, lastParse: map[string]int64{}}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.report()
			}
		}
	}()
}

type reporter struct {
	log *logger.Log
	src ReportSources

	lastDropped map[string]int64
	lastParse   map[string]int64
	lastSink    map[string]int64
}

func (r *reporter) report() {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var memUsedMB, diskUsedMB int64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsedMB = int64(vm.Used / 1024 / 1024)
	}
	if du, err := disk.Usage("/"); err == nil {
		diskUsedMB = int64(du.Used / 1024 / 1024)
	}
	var bytesSent, bytesRecv uint64
	if counters, err := gnet.IOCounters(false); err == nil && len(counters) > 0 {
		bytesSent, bytesRecv = counters[0].BytesSent, counters[0].BytesRecv
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	connectors := make(map[string]map[string]int64, len(r.src.Connectors))
	for _, c := range r.src.Connectors {
		s := c.Stats()
		name := c.Name()
		connectors[name] = map[string]int64{
			"received":     s.Received,
			"enqueued":     s.Enqueued,
			"ignored":      s.Ignored,
			"parse_errors": s.ParseErrors,
			"dropped":      s.Dropped,
			"reconnects":   s.Reconnects,
			"queue_len":    int64(s.QueueLen),
		}
		EmitDropMetric(r.log, DropMetricTickers, name, "ingest_queue", s.Dropped-r.lastDropped[name])
		EmitDropMetric(r.log, DropMetricMalformed, name, "parse", s.ParseErrors-r.lastParse[name])
		r.lastDropped[name] = s.Dropped
		r.lastParse[name] = s.ParseErrors
	}

	fields := logger.Fields{
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  int64(ms.HeapAlloc / 1024 / 1024),
		"cpu_percent":    cpuPct,
		"memory_mb":      memUsedMB,
		"disk_mb":        diskUsedMB,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"connectors":     connectors,
		"log_counts":     logger.Counters(),
	}
	if r.src.Dispatcher != nil {
		applied, outdated, evicted := r.src.Dispatcher()
		fields["dispatcher"] = map[string]int64{"applied": applied, "outdated": outdated, "evicted": evicted}
	}
	if r.src.SinkDrops != nil {
		drops := r.src.SinkDrops()
		fields["sink_drops"] = drops
		if r.lastSink == nil {
			r.lastSink = map[string]int64{}
		}
		for name, n := range drops {
			EmitDropMetric(r.log, DropMetricOpportunities, "", name, n-r.lastSink[name])
			r.lastSink[name] = n
		}
	}

	r.log.WithComponent("report").WithFields(fields).Info("runtime report")

	EmitMetric(r.log, "runtime", "cpu_percent", cpuPct, "gauge", logger.Fields{"unit": "percent"})
	EmitMetric(r.log, "runtime", "goroutines", runtime.NumGoroutine(), "gauge", logger.Fields{"unit": "count"})
}
