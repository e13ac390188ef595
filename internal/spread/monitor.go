// Package spread scans the price table for cross-exchange opportunities.
//
// Every cycle compares each unordered exchange pair once, over the symbols
// both quote, in both directions: buy at one venue's ask and sell at the
// other's bid. Detection is stateless; a standing opportunity is reported
// again on every cycle it persists.
package spread

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbflow/internal/pricetable"
	"arbflow/logger"
	"arbflow/models"
)

var hundred = decimal.NewFromInt(100)

// Emitter receives detected opportunities. Publish must not block.
type Emitter interface {
	Publish(opp models.Opportunity)
}

type Config struct {
	Interval  time.Duration
	MinROIPct float64
	// MinSpreadPct drops raw spreads below it before fees and sizing.
	MinSpreadPct float64
	// Staleness excludes entries received longer ago than this, unless
	// ExchangeStaleness holds a threshold for the entry's exchange.
	Staleness         time.Duration
	ExchangeStaleness map[string]time.Duration
	// Fees holds taker fees in percent, keyed by exchange.
	Fees map[string]float64
	// Capital and Leverage size every opportunity. Sizing is off while
	// Capital is zero.
	Capital  float64
	Leverage float64
	Specs    Specs
}

// Result summarizes one scan.
type Result struct {
	PairsEvaluated int
	Compared       int
	Stale          int
	// Undersized counts spreads dropped because no valid order size
	// turns a profit after slippage and fees.
	Undersized    int
	Opportunities []models.Opportunity
}

// CycleObserver is told about each completed scan, e.g. for metrics.
type CycleObserver func(res Result, took time.Duration)

type Monitor struct {
	cfg     Config
	table   *pricetable.Table
	emitter Emitter
	observe CycleObserver
	log     *logger.Entry
	now     func() time.Time
	newID   func() string
}

type Option func(*Monitor)

func WithCycleObserver(fn CycleObserver) Option {
	return func(m *Monitor) { m.observe = fn }
}

func New(cfg Config, table *pricetable.Table, emitter Emitter, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		table:   table,
		emitter: emitter,
		log:     logger.GetLogger().WithComponent("spread_monitor"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run scans on every interval tick until ctx is done. A failing cycle is
// logged and the next tick runs normally.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.WithFields(logger.Fields{
		"interval":       interval.String(),
		"min_roi_pct":    m.cfg.MinROIPct,
		"min_spread_pct": m.cfg.MinSpreadPct,
		"staleness":      m.cfg.Staleness.String(),
		"capital":        m.cfg.Capital,
		"leverage":       m.cfg.Leverage,
	}).Info("spread monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info("spread monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.cycle(); err != nil {
				m.log.WithError(err).Error("spread scan failed")
			}
		}
	}
}

func (m *Monitor) cycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during scan: %v", r)
		}
	}()

	start := time.Now()
	res := m.Scan(m.now())
	took := time.Since(start)

	for _, opp := range res.Opportunities {
		if m.emitter != nil {
			m.emitter.Publish(opp)
		}
	}
	if m.observe != nil {
		m.observe(res, took)
	}
	logger.LogPerformanceEntry(m.log, "spread_monitor", "scan", took, logger.Fields{
		"pairs":         res.PairsEvaluated,
		"compared":      res.Compared,
		"stale":         res.Stale,
		"undersized":    res.Undersized,
		"opportunities": len(res.Opportunities),
	})
	return nil
}

// Scan evaluates every exchange pair once at time now. Pairs and symbols are
// visited in sorted order so the output is deterministic.
func (m *Monitor) Scan(now time.Time) Result {
	var res Result
	exchanges := m.table.Exchanges()
	symbols := make(map[string][]string, len(exchanges))
	for _, ex := range exchanges {
		symbols[ex] = m.table.Symbols(ex)
	}

	for i := 0; i < len(exchanges); i++ {
		for j := i + 1; j < len(exchanges); j++ {
			a, b := exchanges[i], exchanges[j]
			res.PairsEvaluated++
			for _, sym := range intersect(symbols[a], symbols[b]) {
				m.compare(now, a, b, sym, &res)
			}
		}
	}
	return res
}

func (m *Monitor) compare(now time.Time, a, b, sym string, res *Result) {
	ea, okA := m.table.Get(a, sym)
	eb, okB := m.table.Get(b, sym)
	if !okA || !okB {
		return
	}
	if m.stale(now, ea) || m.stale(now, eb) {
		res.Stale++
		return
	}
	res.Compared++

	for _, dir := range [2][2]models.Ticker{{ea.Ticker, eb.Ticker}, {eb.Ticker, ea.Ticker}} {
		opp, v := m.evaluate(now, sym, dir[0], dir[1])
		switch v {
		case accepted:
			res.Opportunities = append(res.Opportunities, opp)
		case undersized:
			res.Undersized++
		}
	}
}

// stale uses the exchange's own threshold when one is configured.
func (m *Monitor) stale(now time.Time, e pricetable.Entry) bool {
	limit := m.cfg.Staleness
	if d := m.cfg.ExchangeStaleness[e.Ticker.Exchange]; d > 0 {
		limit = d
	}
	return limit > 0 && e.Age(now) > limit
}

type verdict int

const (
	rejected verdict = iota
	undersized
	accepted
)

// evaluate buys at buy's ask and sells at sell's bid.
func (m *Monitor) evaluate(now time.Time, sym string, buy, sell models.Ticker) (models.Opportunity, verdict) {
	if !buy.Ask.IsPositive() || !sell.Bid.IsPositive() {
		return models.Opportunity{}, rejected
	}
	roi := ROIPercent(buy.Ask, sell.Bid)
	if !roi.IsPositive() || roi.InexactFloat64() < m.cfg.MinSpreadPct {
		return models.Opportunity{}, rejected
	}
	roiPct := roi.InexactFloat64()
	net := roiPct - m.cfg.Fees[buy.Exchange] - m.cfg.Fees[sell.Exchange]
	if net <= m.cfg.MinROIPct {
		return models.Opportunity{}, rejected
	}

	var sizing *models.Sizing
	if m.cfg.Capital > 0 {
		sz, ok := m.size(buy, sell)
		if !ok {
			return models.Opportunity{}, undersized
		}
		sizing = &sz
	}
	return models.Opportunity{
		ID:            m.newID(),
		Symbol:        sym,
		BuyExchange:   buy.Exchange,
		SellExchange:  sell.Exchange,
		BuyPrice:      buy.Ask,
		SellPrice:     sell.Bid,
		ROIPercent:    roiPct,
		NetROIPercent: net,
		DetectedAt:    now,
		Sizing:        sizing,
	}, accepted
}

// ROIPercent is (sell - buy) / buy * 100. buy must be positive.
func ROIPercent(buy, sell decimal.Decimal) decimal.Decimal {
	return sell.Sub(buy).Div(buy).Mul(hundred)
}

// intersect merges two sorted symbol lists.
func intersect(a, b []string) []string {
	var out []string
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
