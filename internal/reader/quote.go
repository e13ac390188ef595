package reader

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/internal/symbols"
	"arbflow/models"
)

// Quote builds a validated Ticker from the string fields venues send.
// Quantities are optional; an empty quantity is left at zero.
func Quote(exchange, instrument, bid, ask, bidQty, askQty string, ts time.Time) (*models.Ticker, error) {
	b, err := decimal.NewFromString(bid)
	if err != nil {
		return nil, fmt.Errorf("%s %s bid %q: %w", exchange, instrument, bid, err)
	}
	a, err := decimal.NewFromString(ask)
	if err != nil {
		return nil, fmt.Errorf("%s %s ask %q: %w", exchange, instrument, ask, err)
	}

	t := &models.Ticker{
		Exchange:   exchange,
		Instrument: instrument,
		Symbol:     symbols.Normalize(exchange, instrument),
		Bid:        b,
		Ask:        a,
		BidQty:     optionalDecimal(bidQty),
		AskQty:     optionalDecimal(askQty),
		Timestamp:  ts,
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Millis converts an epoch-millisecond timestamp; zero yields the zero time.
func Millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ParseMillis converts a string epoch-millisecond timestamp. An empty string
// yields the zero time so Quote falls back to the receive time.
func ParseMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return Millis(ms), nil
}

// Spec builds an InstrumentSpec from the strings a listing endpoint sends.
// Empty or malformed quantities stay zero and leave that bound unset.
func Spec(contractSize, minQty, qtyStep string) models.InstrumentSpec {
	spec := models.DefaultInstrumentSpec()
	if cs := optionalDecimal(contractSize); cs.IsPositive() {
		spec.ContractSize = cs
	}
	spec.MinQty = optionalDecimal(minQty)
	spec.QtyStep = optionalDecimal(qtyStep)
	return spec
}

func optionalDecimal(v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
