package models

import "github.com/shopspring/decimal"

// InstrumentSpec is the order-size contract of one instrument on one venue.
type InstrumentSpec struct {
	// ContractSize converts one unit of book quantity into base currency,
	// or into quote currency when QuoteSized is set (inverse contracts).
	ContractSize decimal.Decimal `json:"contract_size"`
	QuoteSized   bool            `json:"quote_sized,omitempty"`
	// MinQty and QtyStep bound the order quantity in base currency. Zero
	// means unconstrained.
	MinQty  decimal.Decimal `json:"min_qty"`
	QtyStep decimal.Decimal `json:"qty_step"`
}

// DefaultInstrumentSpec is used for instruments the venue could not
// describe: one book unit is one base unit and any size is accepted.
func DefaultInstrumentSpec() InstrumentSpec {
	return InstrumentSpec{ContractSize: decimal.NewFromInt(1)}
}

func (s InstrumentSpec) contractSize() decimal.Decimal {
	if s.ContractSize.IsPositive() {
		return s.ContractSize
	}
	return decimal.NewFromInt(1)
}

// Notional values qty book units at price in quote currency.
func (s InstrumentSpec) Notional(qty, price decimal.Decimal) decimal.Decimal {
	v := qty.Mul(s.contractSize())
	if s.QuoteSized {
		return v
	}
	return v.Mul(price)
}

// FitQuantity rounds qty down to the coarser step of both legs and checks
// it against the larger minimum. It reports false when no valid quantity
// remains.
func FitQuantity(qty decimal.Decimal, legs ...InstrumentSpec) (decimal.Decimal, bool) {
	minQty, step := decimal.Zero, decimal.Zero
	for _, l := range legs {
		minQty = decimal.Max(minQty, l.MinQty)
		step = decimal.Max(step, l.QtyStep)
	}
	if step.IsPositive() {
		qty = qty.Div(step).Floor().Mul(step)
	}
	if !qty.IsPositive() || qty.LessThan(minQty) {
		return decimal.Zero, false
	}
	return qty, true
}
