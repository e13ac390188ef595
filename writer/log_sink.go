package writer

import (
	"context"
	"time"

	"arbflow/logger"
	"arbflow/models"
)

// LogSink is the execution stand-in: it logs the trade an opportunity
// would trigger. With a cooldown, repeats of the same route and symbol are
// suppressed until the window passes.
type LogSink struct {
	log     *logger.Entry
	limiter *logger.Limiter
}

func NewLogSink(cooldown time.Duration) *LogSink {
	return &LogSink{
		log:     logger.GetLogger().WithComponent("execution"),
		limiter: logger.NewLimiter(cooldown),
	}
}

func (s *LogSink) Name() string { return "execution_log" }

func (s *LogSink) Handle(_ context.Context, opp models.Opportunity) error {
	ok, suppressed := s.limiter.Allow(opp.RouteKey())
	if !ok {
		return nil
	}
	fields := logger.Fields{
		"id":              opp.ID,
		"symbol":          opp.Symbol,
		"buy_exchange":    opp.BuyExchange,
		"sell_exchange":   opp.SellExchange,
		"buy_price":       opp.BuyPrice.String(),
		"sell_price":      opp.SellPrice.String(),
		"roi_percent":     opp.ROIPercent,
		"net_roi_percent": opp.NetROIPercent,
	}
	if sz := opp.Sizing; sz != nil {
		fields["quantity"] = sz.Quantity.String()
		fields["notional_usd"] = sz.NotionalUSD.String()
		fields["slippage_pct"] = sz.SlippagePct
		fields["net_profit_usd"] = sz.NetProfitUSD.String()
	}
	if suppressed > 0 {
		fields["suppressed"] = suppressed
	}
	s.log.WithFields(fields).Info("arbitrage opportunity: buy low, sell high")
	return nil
}

func (s *LogSink) Close() error { return nil }
