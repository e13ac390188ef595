package pricetable

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbflow/models"
)

func ticker(ex, sym string, bid int64, ts time.Time) models.Ticker {
	return models.Ticker{
		Exchange:  ex,
		Symbol:    sym,
		Bid:       decimal.NewFromInt(bid),
		Ask:       decimal.NewFromInt(bid + 1),
		Timestamp: ts,
	}
}

func TestUpdateKeepsLatestByTimestamp(t *testing.T) {
	tbl := New()
	base := time.Unix(1_700_000_000, 0)

	require.True(t, tbl.Update(ticker("okx", "BTCUSDT", 100, base.Add(2*time.Second)), base))
	assert.False(t, tbl.Update(ticker("okx", "BTCUSDT", 99, base.Add(time.Second)), base.Add(time.Millisecond)),
		"an older exchange timestamp must not replace a newer one")

	e, ok := tbl.Get("okx", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, e.Ticker.Bid.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, base, e.ReceivedAt)

	require.True(t, tbl.Update(ticker("okx", "BTCUSDT", 101, base.Add(3*time.Second)), base.Add(time.Second)))
	e, _ = tbl.Get("okx", "BTCUSDT")
	assert.True(t, e.Ticker.Bid.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, time.Second, e.Age(base.Add(2*time.Second)))
}

func TestExchangesAndSymbolsSorted(t *testing.T) {
	tbl := New()
	now := time.Now()
	tbl.Update(ticker("okx", "SOLUSDT", 1, now), now)
	tbl.Update(ticker("bybit", "BTCUSDT", 1, now), now)
	tbl.Update(ticker("bybit", "ADAUSDT", 1, now), now)

	assert.Equal(t, []string{"bybit", "okx"}, tbl.Exchanges())
	assert.Equal(t, []string{"ADAUSDT", "BTCUSDT"}, tbl.Symbols("bybit"))
	assert.Nil(t, tbl.Symbols("deribit"))

	_, ok := tbl.Get("deribit", "BTCUSDT")
	assert.False(t, ok)

	snap := tbl.Snapshot()
	assert.Len(t, snap["bybit"], 2)
}

func TestEvict(t *testing.T) {
	tbl := New()
	base := time.Unix(1_700_000_000, 0)
	tbl.Update(ticker("okx", "OLD", 1, base), base)
	tbl.Update(ticker("okx", "NEW", 1, base), base.Add(time.Minute))
	tbl.Update(ticker("bybit", "OLD", 1, base), base)

	cutoff := base.Add(30 * time.Second)
	assert.Equal(t, 1, tbl.Evict("okx", cutoff))
	assert.Equal(t, 1, tbl.Evict("bybit", cutoff))
	assert.Equal(t, 0, tbl.Evict("deribit", cutoff))
	assert.Equal(t, []string{"okx"}, tbl.Exchanges())
	assert.Equal(t, []string{"NEW"}, tbl.Symbols("okx"))
}

func TestConcurrentReadersSeeWholeEntries(t *testing.T) {
	tbl := New()
	start := time.Now()
	tbl.Update(ticker("okx", "BTCUSDT", 0, start), start)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 2000; i++ {
			tbl.Update(ticker("okx", "BTCUSDT", i, start.Add(time.Duration(i))), start)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				e, ok := tbl.Get("okx", "BTCUSDT")
				if !ok {
					t.Error("entry vanished")
					return
				}
				if !e.Ticker.Ask.Sub(e.Ticker.Bid).Equal(decimal.NewFromInt(1)) {
					t.Errorf("torn entry: bid=%s ask=%s", e.Ticker.Bid, e.Ticker.Ask)
					return
				}
			}
		}()
	}
	wg.Wait()
}
