package spread

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"arbflow/models"
)

// maxSlippagePct caps the impact estimate and applies when depth is unknown.
const maxSlippagePct = 0.5

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Specs holds instrument specs by exchange, then upper-case instrument id.
type Specs map[string]map[string]models.InstrumentSpec

// Lookup returns the spec for instrument, or the default when the venue
// did not describe it.
func (s Specs) Lookup(exchange, instrument string) models.InstrumentSpec {
	if spec, ok := s[exchange][strings.ToUpper(instrument)]; ok {
		return spec
	}
	return models.DefaultInstrumentSpec()
}

// SlippagePct estimates price impact in percent from the order's share of
// top-of-book liquidity.
func SlippagePct(notional, liquidity decimal.Decimal) float64 {
	if !liquidity.IsPositive() {
		return maxSlippagePct
	}
	ratio := notional.Div(liquidity).InexactFloat64()
	switch {
	case ratio < 0.01:
		return 0.01
	case ratio < 0.05:
		return 0.05
	case ratio < 0.10:
		return 0.10
	default:
		return math.Min(0.20+(ratio-0.10)*2, maxSlippagePct)
	}
}

// size turns a spread into an order: half the capital per leg times
// leverage, bounded by the depth on the traded sides, priced through
// slippage and rounded to both venues' quantity rules. It fails when no
// valid quantity remains or the estimated round trip does not profit.
func (m *Monitor) size(buy, sell models.Ticker) (models.Sizing, bool) {
	buySpec := m.cfg.Specs.Lookup(buy.Exchange, instrumentOf(buy))
	sellSpec := m.cfg.Specs.Lookup(sell.Exchange, instrumentOf(sell))

	leverage := decimal.NewFromFloat(m.cfg.Leverage)
	if !leverage.IsPositive() {
		leverage = one
	}
	notional := decimal.NewFromFloat(m.cfg.Capital).Div(two).Mul(leverage)

	var liquidity decimal.Decimal
	if buy.AskQty.IsPositive() && sell.BidQty.IsPositive() {
		liquidity = decimal.Min(buySpec.Notional(buy.AskQty, buy.Ask), sellSpec.Notional(sell.BidQty, sell.Bid))
		notional = decimal.Min(notional, liquidity)
	}

	slippage := SlippagePct(notional, liquidity)
	impact := decimal.NewFromFloat(slippage).Div(hundred)
	buyPrice := buy.Ask.Mul(one.Add(impact))
	sellPrice := sell.Bid.Mul(one.Sub(impact))

	wanted := notional.Div(buyPrice)
	qty, ok := models.FitQuantity(wanted, buySpec, sellSpec)
	if !ok {
		return models.Sizing{}, false
	}

	notional = qty.Mul(buyPrice)
	gross := sellPrice.Sub(buyPrice).Mul(qty)
	entryFees := notional.Mul(percent(m.cfg.Fees[buy.Exchange])).
		Add(qty.Mul(sellPrice).Mul(percent(m.cfg.Fees[sell.Exchange])))
	fees := entryFees.Mul(two)
	net := gross.Sub(fees)
	if !net.IsPositive() {
		return models.Sizing{}, false
	}

	return models.Sizing{
		Quantity:       qty,
		NotionalUSD:    notional.Round(6),
		LiquidityUSD:   liquidity.Round(6),
		SlippagePct:    slippage,
		GrossProfitUSD: gross.Round(6),
		FeesUSD:        fees.Round(6),
		NetProfitUSD:   net.Round(6),
		MarginUSD:      notional.Div(leverage).Mul(two).Round(6),
		Adjusted:       !qty.Equal(wanted),
	}, true
}

func instrumentOf(t models.Ticker) string {
	if t.Instrument != "" {
		return t.Instrument
	}
	return t.Symbol
}

func percent(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Div(hundred)
}
