package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTickerValidate(t *testing.T) {
	base := Ticker{
		Exchange:  "bybit",
		Symbol:    "BTCUSDT",
		Bid:       decimal.NewFromInt(100),
		Ask:       decimal.NewFromInt(101),
		Timestamp: time.Unix(0, 0),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid ticker, got %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Ticker)
	}{
		{"zero bid", func(tk *Ticker) { tk.Bid = decimal.Zero }},
		{"negative ask", func(tk *Ticker) { tk.Ask = decimal.NewFromInt(-1) }},
		{"missing symbol", func(tk *Ticker) { tk.Symbol = "" }},
		{"missing exchange", func(tk *Ticker) { tk.Exchange = "" }},
	}
	for _, tt := range tests {
		tk := base
		tt.mut(&tk)
		if err := tk.Validate(); !errors.Is(err, ErrInvalidQuote) {
			t.Errorf("%s: expected ErrInvalidQuote, got %v", tt.name, err)
		}
	}
}

func TestOpportunityRouteKey(t *testing.T) {
	o := Opportunity{Symbol: "BTCUSDT", BuyExchange: "bybit", SellExchange: "okx"}
	if got := o.RouteKey(); got != "bybit>okx|BTCUSDT" {
		t.Fatalf("unexpected route key %q", got)
	}
}

func TestFitQuantity(t *testing.T) {
	d := decimal.RequireFromString
	a := InstrumentSpec{MinQty: d("0.001"), QtyStep: d("0.001")}
	b := InstrumentSpec{MinQty: d("0.01"), QtyStep: d("0.01")}

	qty, ok := FitQuantity(d("4.948"), a, b)
	if !ok || !qty.Equal(d("4.94")) {
		t.Fatalf("expected 4.94 on the coarser step, got %s %v", qty, ok)
	}
	if _, ok := FitQuantity(d("0.009"), a, b); ok {
		t.Fatalf("quantity under the larger minimum must be rejected")
	}
	if qty, ok := FitQuantity(d("0.5"), DefaultInstrumentSpec()); !ok || !qty.Equal(d("0.5")) {
		t.Fatalf("unconstrained spec should keep quantity, got %s %v", qty, ok)
	}
	if _, ok := FitQuantity(decimal.Zero); ok {
		t.Fatalf("zero quantity must be rejected")
	}
}

func TestInstrumentSpecNotional(t *testing.T) {
	d := decimal.RequireFromString
	linear := InstrumentSpec{ContractSize: d("0.01")}
	if got := linear.Notional(d("100"), d("103")); !got.Equal(d("103")) {
		t.Fatalf("linear notional = %s", got)
	}
	inverse := InstrumentSpec{ContractSize: d("100"), QuoteSized: true}
	if got := inverse.Notional(d("3"), d("60000")); !got.Equal(d("300")) {
		t.Fatalf("inverse notional = %s", got)
	}
	if got := (InstrumentSpec{}).Notional(d("2"), d("10")); !got.Equal(d("20")) {
		t.Fatalf("zero contract size should count as one, got %s", got)
	}
}
