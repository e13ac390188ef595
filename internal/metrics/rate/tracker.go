package rate

import (
	"strings"
	"sync"
	"time"

	"arbflow/internal/metrics"
	"arbflow/logger"
)

// WSTracker counts outgoing websocket messages per one-second window and
// handshake attempts, the two things venues throttle on streams.
type WSTracker struct {
	exchange string
	now      func() time.Time

	mu       sync.Mutex
	window   time.Time
	msgs     int
	peak     int
	attempts int
}

func NewWSTracker(exchange string) *WSTracker {
	return &WSTracker{exchange: strings.ToLower(exchange), now: time.Now, window: time.Now()}
}

// RegisterOutgoing records n client messages (subscriptions, pings).
func (t *WSTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
	if t.msgs > t.peak {
		t.peak = t.msgs
	}
}

func (t *WSTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns the busiest one-second window seen and the total attempts.
func (t *WSTracker) Stats() (peakMsgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak, t.attempts
}

// Report emits the tracker's counters.
func (t *WSTracker) Report(log *logger.Log, ip string) {
	peak, attempts := t.Stats()
	fields := logger.Fields{"exchange": t.exchange}
	if ip != "" {
		fields["ip"] = ip
	}
	metrics.EmitMetric(log, "ws_weight", "outgoing_messages_peak", int64(peak), "gauge", fields)
	metrics.EmitMetric(log, "ws_weight", "connection_attempts", int64(attempts), "counter", fields)
}
