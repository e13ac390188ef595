// Package pricetable holds the latest ticker per exchange and symbol.
//
// The dispatcher is the only writer. Each slot is an atomic pointer, so a
// reader sees either the previous entry or the new one, never a mix; the
// per-exchange lock only guards adding and evicting slots.
package pricetable

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"arbflow/models"
)

// Entry is an immutable table value.
type Entry struct {
	Ticker     models.Ticker `json:"ticker"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Age is how long ago the entry was received.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.ReceivedAt)
}

type slot = atomic.Pointer[Entry]

type row struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

type Table struct {
	mu   sync.RWMutex
	rows map[string]*row
}

func New() *Table {
	return &Table{rows: make(map[string]*row)}
}

func (t *Table) row(exchange string, create bool) *row {
	t.mu.RLock()
	r := t.rows[exchange]
	t.mu.RUnlock()
	if r != nil || !create {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r = t.rows[exchange]; r == nil {
		r = &row{slots: make(map[string]*slot)}
		t.rows[exchange] = r
	}
	return r
}

func (r *row) slot(symbol string, create bool) *slot {
	r.mu.RLock()
	s := r.slots[symbol]
	r.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.slots[symbol]; s == nil {
		s = new(slot)
		r.slots[symbol] = s
	}
	return s
}

// Update replaces the entry for the ticker's exchange and symbol. A ticker
// older than the stored one is rejected and Update returns false.
func (t *Table) Update(tk models.Ticker, receivedAt time.Time) bool {
	s := t.row(tk.Exchange, true).slot(tk.Symbol, true)
	if cur := s.Load(); cur != nil && tk.Timestamp.Before(cur.Ticker.Timestamp) {
		return false
	}
	s.Store(&Entry{Ticker: tk, ReceivedAt: receivedAt})
	return true
}

// Get returns the current entry for exchange and symbol.
func (t *Table) Get(exchange, symbol string) (Entry, bool) {
	r := t.row(exchange, false)
	if r == nil {
		return Entry{}, false
	}
	s := r.slot(symbol, false)
	if s == nil {
		return Entry{}, false
	}
	e := s.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Exchanges lists, sorted, the exchanges holding at least one entry.
func (t *Table) Exchanges() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.rows))
	for name, r := range t.rows {
		r.mu.RLock()
		n := len(r.slots)
		r.mu.RUnlock()
		if n > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Symbols lists, sorted, the symbols held for exchange.
func (t *Table) Symbols(exchange string) []string {
	r := t.row(exchange, false)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.slots))
	for sym := range r.slots {
		out = append(out, sym)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot copies every entry, keyed by exchange then symbol.
func (t *Table) Snapshot() map[string]map[string]Entry {
	out := make(map[string]map[string]Entry)
	for _, ex := range t.Exchanges() {
		syms := make(map[string]Entry)
		for _, sym := range t.Symbols(ex) {
			if e, ok := t.Get(ex, sym); ok {
				syms[sym] = e
			}
		}
		out[ex] = syms
	}
	return out
}

// Evict removes the exchange's entries received before cutoff and returns
// how many went. It is called from the exchange's writer.
func (t *Table) Evict(exchange string, cutoff time.Time) int {
	r := t.row(exchange, false)
	if r == nil {
		return 0
	}

	removed := 0
	r.mu.Lock()
	for sym, s := range r.slots {
		if e := s.Load(); e == nil || e.ReceivedAt.Before(cutoff) {
			delete(r.slots, sym)
			removed++
		}
	}
	r.mu.Unlock()
	return removed
}
