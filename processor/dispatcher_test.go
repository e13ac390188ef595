package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/internal/channel"
	"arbflow/internal/pricetable"
	"arbflow/models"
)

func testTicker(ex string, seq int64) models.Ticker {
	return models.Ticker{
		Exchange:  ex,
		Symbol:    "BTCUSDT",
		Bid:       decimal.NewFromInt(100 + seq),
		Ask:       decimal.NewFromInt(101 + seq),
		Timestamp: time.UnixMilli(seq),
	}
}

func TestDispatcherPreservesQueueOrder(t *testing.T) {
	const n = 200
	q := channel.NewQueue("okx", n)
	for i := int64(1); i <= n; i++ {
		if !q.TryEnqueue(testTicker("okx", i)) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	var mu sync.Mutex
	var seen []int64
	done := make(chan struct{})
	table := pricetable.New()
	d := NewDispatcher(DispatcherConfig{}, table, []*channel.Queue{q}, WithTickObserver(func(tk models.Ticker) {
		mu.Lock()
		seen = append(seen, tk.Timestamp.UnixMilli())
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain the queue")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	for i, got := range seen {
		if got != int64(i+1) {
			t.Fatalf("position %d: got ticker %d", i, got)
		}
	}
	e, ok := table.Get("okx", "BTCUSDT")
	if !ok || e.Ticker.Timestamp.UnixMilli() != n {
		t.Fatalf("table holds %+v, want ticker %d", e.Ticker, n)
	}
	if applied, _, _ := d.Stats(); applied != n {
		t.Fatalf("applied = %d, want %d", applied, n)
	}
}

func TestDispatcherSkipsOutdatedTickers(t *testing.T) {
	q := channel.NewQueue("bybit", 4)
	q.TryEnqueue(testTicker("bybit", 5))
	q.TryEnqueue(testTicker("bybit", 3))

	table := pricetable.New()
	d := NewDispatcher(DispatcherConfig{}, table, []*channel.Queue{q})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, outdated, _ := d.Stats(); outdated == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, outdated, _ := d.Stats(); outdated != 1 {
		t.Fatalf("outdated = %d, want 1", outdated)
	}
	e, _ := table.Get("bybit", "BTCUSDT")
	if e.Ticker.Timestamp.UnixMilli() != 5 {
		t.Fatalf("table kept ticker %d, want 5", e.Ticker.Timestamp.UnixMilli())
	}
}

func TestDispatcherEvictsExpiredPrices(t *testing.T) {
	table := pricetable.New()
	old := time.Now().Add(-time.Hour)
	table.Update(testTicker("okx", 1), old)

	q := channel.NewQueue("okx", 1)
	d := NewDispatcher(DispatcherConfig{EvictAfter: 2 * time.Second}, table, []*channel.Queue{q})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := table.Get("okx", "BTCUSDT"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expired entry was not evicted")
}

func TestDispatcherRunTwice(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, pricetable.New(), []*channel.Queue{channel.NewQueue("okx", 1)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		running := d.running
		d.mu.Unlock()
		if running {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := d.Run(ctx); err == nil {
		t.Fatal("expected error for second Run")
	}
}
