// Package health reports connector state and data freshness.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"arbflow/internal/connector"
	"arbflow/logger"
)

// Source is the read-only view of a connector the monitor needs.
type Source interface {
	Name() string
	State() connector.State
	LastMessage() time.Time
	Stats() connector.Stats
	Config() connector.Config
}

// Status is one connector's health at a point in time.
type Status struct {
	Exchange    string          `json:"exchange"`
	State       connector.State `json:"state"`
	LastMessage time.Time       `json:"last_message,omitempty"`
	SinceLast   time.Duration   `json:"since_last_ns"`
	Stale       bool            `json:"stale"`
	Healthy     bool            `json:"healthy"`
	Dropped     int64           `json:"dropped"`
	ParseErrors int64           `json:"parse_errors"`
	Reconnects  int64           `json:"reconnects"`
	QueueLen    int             `json:"queue_len"`
}

// Reporter receives every status report, e.g. to export gauges.
type Reporter func([]Status)

type Monitor struct {
	interval time.Duration
	sources  []Source
	reporter Reporter
	log      *logger.Entry
	now      func() time.Time
}

func New(interval time.Duration, sources []Source, reporter Reporter) *Monitor {
	sorted := append([]Source(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Monitor{
		interval: interval,
		sources:  sorted,
		reporter: reporter,
		log:      logger.GetLogger().WithComponent("health_monitor"),
		now:      time.Now,
	}
}

// Report reads every source without changing it. A connector that has
// never received a message counts as stale.
func (m *Monitor) Report(now time.Time) []Status {
	out := make([]Status, 0, len(m.sources))
	for _, src := range m.sources {
		st := Status{
			Exchange:    src.Name(),
			State:       src.State(),
			LastMessage: src.LastMessage(),
		}
		stats := src.Stats()
		st.Dropped = stats.Dropped
		st.ParseErrors = stats.ParseErrors
		st.Reconnects = stats.Reconnects
		st.QueueLen = stats.QueueLen

		threshold := src.Config().StalenessThreshold
		if st.LastMessage.IsZero() {
			st.Stale = true
		} else {
			st.SinceLast = now.Sub(st.LastMessage)
			st.Stale = threshold > 0 && st.SinceLast > threshold
		}
		st.Healthy = st.State == connector.Connected && !st.Stale
		out = append(out, st)
	}
	return out
}

// Healthy reports whether every connector is healthy.
func Healthy(statuses []Status) bool {
	for _, s := range statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Run reports on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.cycle(); err != nil {
				m.log.WithError(err).Error("health report failed")
			}
		}
	}
}

func (m *Monitor) cycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during health report: %v", r)
		}
	}()

	statuses := m.Report(m.now())
	for _, s := range statuses {
		entry := m.log.WithFields(logger.Fields{
			"exchange":     s.Exchange,
			"state":        s.State.String(),
			"stale":        s.Stale,
			"dropped":      s.Dropped,
			"parse_errors": s.ParseErrors,
			"reconnects":   s.Reconnects,
			"queue_len":    s.QueueLen,
		})
		if !s.LastMessage.IsZero() {
			entry = entry.WithField("since_last", s.SinceLast.Round(time.Millisecond).String())
		}
		if s.Healthy {
			entry.Info("connector healthy")
		} else {
			entry.Warn("connector unhealthy")
		}
	}
	if m.reporter != nil {
		m.reporter(statuses)
	}
	return nil
}
