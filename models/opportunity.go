package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a cross-exchange price discrepancy found in one scan cycle.
// BuyExchange holds the lower ask, SellExchange the higher bid.
type Opportunity struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	BuyExchange   string          `json:"buy_exchange"`
	SellExchange  string          `json:"sell_exchange"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	ROIPercent    float64         `json:"roi_percent"`
	NetROIPercent float64         `json:"net_roi_percent"`
	DetectedAt    time.Time       `json:"detected_at"`
	Sizing        *Sizing         `json:"sizing,omitempty"`
}

// Sizing is the trade an opportunity supports given capital, leverage and
// top-of-book depth. Amounts are in quote currency (USD for USDT and USDC
// contracts). Fees are the estimated round trip, entry plus exit.
type Sizing struct {
	Quantity       decimal.Decimal `json:"quantity"`
	NotionalUSD    decimal.Decimal `json:"notional_usd"`
	LiquidityUSD   decimal.Decimal `json:"liquidity_usd"`
	SlippagePct    float64         `json:"slippage_pct"`
	GrossProfitUSD decimal.Decimal `json:"gross_profit_usd"`
	FeesUSD        decimal.Decimal `json:"fees_usd"`
	NetProfitUSD   decimal.Decimal `json:"net_profit_usd"`
	MarginUSD      decimal.Decimal `json:"margin_usd"`
	// Adjusted is set when the quantity was rounded to the venues' steps.
	Adjusted bool `json:"adjusted"`
}

// NetProfitUSD returns the sized net profit, or zero when unsized.
func (o Opportunity) NetProfitUSD() decimal.Decimal {
	if o.Sizing == nil {
		return decimal.Zero
	}
	return o.Sizing.NetProfitUSD
}

// RouteKey identifies the direction of an opportunity independent of prices.
func (o Opportunity) RouteKey() string {
	return o.BuyExchange + ">" + o.SellExchange + "|" + o.Symbol
}
