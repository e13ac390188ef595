package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidQuote is returned for tickers without a positive bid and ask.
var ErrInvalidQuote = errors.New("invalid quote")

// Ticker is a normalized top-of-book quote from one exchange.
// Values are passed by copy and never modified after construction.
type Ticker struct {
	Exchange   string          `json:"exchange"`
	Instrument string          `json:"instrument"`
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	BidQty     decimal.Decimal `json:"bid_qty"`
	AskQty     decimal.Decimal `json:"ask_qty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate checks the invariants every ticker entering the pipeline must hold.
func (t Ticker) Validate() error {
	if t.Exchange == "" || t.Symbol == "" {
		return fmt.Errorf("%w: missing exchange or symbol", ErrInvalidQuote)
	}
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return fmt.Errorf("%w: %s %s bid=%s ask=%s", ErrInvalidQuote, t.Exchange, t.Symbol, t.Bid, t.Ask)
	}
	return nil
}

// Key returns the exchange|symbol identity used by the price table.
func (t Ticker) Key() string {
	return t.Exchange + "|" + t.Symbol
}
