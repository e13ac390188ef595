package rate

import (
	"net/http"
	"strconv"
	"strings"

	"arbflow/internal/metrics"
	"arbflow/logger"
)

// Usage is the REST quota state one response reported.
type Usage struct {
	Used      float64
	Limit     float64
	Remaining float64
	Window    string
}

// ParseUsage reads the exchange's rate-limit headers. ok is false when the
// response carries none.
func ParseUsage(exchange string, header http.Header) (u Usage, ok bool) {
	switch strings.ToLower(exchange) {
	case "binance":
		for _, h := range []struct{ key, window string }{
			{"X-MBX-USED-WEIGHT-1M", "1m"},
			{"X-MBX-USED-WEIGHT", "1m"},
			{"X-MBX-USED-WEIGHT-1S", "1s"},
		} {
			if v, err := strconv.ParseFloat(header.Get(h.key), 64); err == nil {
				return Usage{Used: v, Window: h.window}, true
			}
		}
		return Usage{}, false
	case "bybit":
		return limitRemaining(header, []string{"X-Bapi-Limit", "X-RateLimit-Limit"}, []string{"X-Bapi-Limit-Status", "X-RateLimit-Remaining"}, "")
	case "kucoin":
		return limitRemaining(header, []string{"gw-ratelimit-limit"}, []string{"gw-ratelimit-remaining"}, "30s")
	case "okx", "bitget":
		return limitRemaining(header, []string{"Rate-Limit-Limit", "X-Ratelimit-Limit"}, []string{"Rate-Limit-Remaining", "X-Ratelimit-Remaining"}, "")
	default:
		return Usage{}, false
	}
}

func limitRemaining(header http.Header, limitKeys, remainingKeys []string, window string) (Usage, bool) {
	limit, okL := firstFloat(header, limitKeys)
	remaining, okR := firstFloat(header, remainingKeys)
	if !okL || !okR {
		return Usage{}, false
	}
	used := limit - remaining
	if used < 0 {
		used = 0
	}
	return Usage{Used: used, Limit: limit, Remaining: remaining, Window: window}, true
}

func firstFloat(header http.Header, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, err := strconv.ParseFloat(header.Get(k), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// ReportUsage emits used_weight (and remaining_weight when known) gauges.
func ReportUsage(log *logger.Log, exchange, ip string, u Usage) {
	fields := logger.Fields{"exchange": strings.ToLower(exchange)}
	if u.Window != "" {
		fields["window"] = u.Window
	}
	if ip != "" {
		fields["ip"] = ip
	}
	metrics.EmitMetric(log, "rate_limit", "used_weight", u.Used, "gauge", fields)
	if u.Limit > 0 {
		metrics.EmitMetric(log, "rate_limit", "remaining_weight", u.Remaining, "gauge", fields)
	}
}
