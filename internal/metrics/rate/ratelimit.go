package rate

import (
	"strings"

	"arbflow/internal/metrics"
	"arbflow/logger"
)

// ReportRateLimitExceeded counts a rate-limit rejection for the exchange
// and stage (rest, ws).
func ReportRateLimitExceeded(log *logger.Log, exchange, stage, ip string) {
	report(log, exchange, stage, ip, "rate_limit_exceeded").Warn("rate limit exceeded")
}

// ReportIPBan counts an IP ban for the exchange and stage.
func ReportIPBan(log *logger.Log, exchange, stage, ip string) {
	report(log, exchange, stage, ip, "ip_ban").Error("ip banned")
}

func report(log *logger.Log, exchange, stage, ip, metric string) *logger.Entry {
	if log == nil {
		log = logger.GetLogger()
	}
	exchange = strings.ToLower(exchange)
	fields := logger.Fields{
		"exchange": exchange,
		"stage":    strings.ToLower(stage),
	}
	if ip != "" {
		fields["ip"] = ip
	}
	metrics.EmitMetric(log, "rate_limit", metric, int64(1), "counter", fields)
	return log.WithComponent("rate_limit").WithFields(fields)
}

// phrases matches a message when every term of at least one group occurs
// in it.
type phrases [][]string

func (p phrases) match(msg string) bool {
	for _, group := range p {
		all := true
		for _, term := range group {
			if !strings.Contains(msg, term) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

type limitRules struct {
	rate phrases
	ban  phrases
	// banOnly suppresses the rate-limit flag when the ban rule matched.
	banOnly bool
}

var (
	tooMany    = []string{"too many requests"}
	rateLimit  = []string{"rate limit"}
	genericBan = phrases{{"ip", "ban"}}
)

var defaultRules = limitRules{rate: phrases{rateLimit, tooMany}, ban: genericBan}

// venueRules holds the wording each venue uses for throttling and bans.
// Venues without an entry, binance included, use defaultRules.
var venueRules = map[string]limitRules{
	"okx": {
		rate: phrases{tooMany, {"frequency limit"}},
		ban:  phrases{{"ip", "blocked"}, {"ip", "ban"}},
	},
	"kucoin": {
		rate: phrases{tooMany, rateLimit},
		ban:  phrases{{"ip", "limit", "triggered"}},
	},
	"bybit": {
		rate:    phrases{rateLimit, tooMany, {"too many visits"}},
		ban:     phrases{{"ip rate limit"}, {"ip", "ban"}},
		banOnly: true,
	},
	"bitget": {
		rate: phrases{tooMany, {"too frequent"}},
		ban:  genericBan,
	},
	"deribit": {
		rate: phrases{{"too_many_requests"}, tooMany},
	},
}

// detectLimit classifies an exchange error message.
func detectLimit(exchange, msg string) (limited bool, banned bool) {
	rules, ok := venueRules[strings.ToLower(exchange)]
	if !ok {
		rules = defaultRules
	}
	msg = strings.ToLower(msg)
	banned = rules.ban.match(msg)
	limited = rules.rate.match(msg) && !(banned && rules.banOnly)
	return limited, banned
}

// ReportLimitFromMessage records a rate-limit or ban event when msg signals
// one and reports whether it did.
func ReportLimitFromMessage(log *logger.Log, exchange, stage, ip, msg string) bool {
	limited, banned := detectLimit(exchange, msg)
	if limited {
		ReportRateLimitExceeded(log, exchange, stage, ip)
	}
	if banned {
		ReportIPBan(log, exchange, stage, ip)
	}
	return limited || banned
}
