package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arbflow/internal/channel"
	"arbflow/internal/pricetable"
	"arbflow/logger"
	"arbflow/models"
)

// DispatcherConfig controls table maintenance done alongside draining.
type DispatcherConfig struct {
	// EvictAfter removes entries not refreshed for this long; 0 keeps them.
	EvictAfter time.Duration
	// QueueTimeout warns when a queue delivers nothing for this long.
	QueueTimeout time.Duration
}

// Dispatcher moves tickers from the ingestion queues into the price table.
// Each queue is drained by its own worker, which is also the only writer of
// that exchange's row, so per-connector order holds end to end.
type Dispatcher struct {
	cfg    DispatcherConfig
	table  *pricetable.Table
	queues []*channel.Queue
	log    *logger.Log

	observe func(models.Ticker)
	now     func() time.Time

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup

	applied  atomic.Int64
	outdated atomic.Int64
	evicted  atomic.Int64
}

type DispatcherOption func(*Dispatcher)

// WithTickObserver is called on the worker goroutine after each applied
// ticker. It must not block.
func WithTickObserver(fn func(models.Ticker)) DispatcherOption {
	return func(d *Dispatcher) { d.observe = fn }
}

func NewDispatcher(cfg DispatcherConfig, table *pricetable.Table, queues []*channel.Queue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		table:  table,
		queues: queues,
		log:    logger.GetLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains every queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher")
	log.WithFields(logger.Fields{"queues": len(d.queues)}).Info("starting dispatcher")

	for _, q := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, q)
	}
	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	log.WithFields(logger.Fields{
		"applied":  d.applied.Load(),
		"outdated": d.outdated.Load(),
		"evicted":  d.evicted.Load(),
	}).Info("dispatcher stopped")
	return nil
}

// Stats returns applied, outdated and evicted counts.
func (d *Dispatcher) Stats() (applied, outdated, evicted int64) {
	return d.applied.Load(), d.outdated.Load(), d.evicted.Load()
}

func (d *Dispatcher) worker(ctx context.Context, q *channel.Queue) {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"queue": q.Name()})
	log.Debug("starting dispatcher worker")

	var evictC, idleC <-chan time.Time
	if d.cfg.EvictAfter > 0 {
		every := d.cfg.EvictAfter / 2
		if every < time.Second {
			every = time.Second
		}
		t := time.NewTicker(every)
		defer t.Stop()
		evictC = t.C
	}
	if d.cfg.QueueTimeout > 0 {
		t := time.NewTicker(d.cfg.QueueTimeout)
		defer t.Stop()
		idleC = t.C
	}

	lastTicker := d.now()
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopped due to context cancellation")
			return
		case t := <-q.Out():
			lastTicker = d.now()
			d.apply(t, lastTicker)
		case <-evictC:
			if n := d.table.Evict(q.Name(), d.now().Add(-d.cfg.EvictAfter)); n > 0 {
				d.evicted.Add(int64(n))
				log.WithFields(logger.Fields{"evicted": n}).Debug("evicted expired prices")
			}
		case <-idleC:
			if silent := d.now().Sub(lastTicker); silent >= d.cfg.QueueTimeout {
				log.WithFields(logger.Fields{"silent_for": silent.Round(time.Second).String()}).Warn("no tickers received from queue")
			}
		}
	}
}

func (d *Dispatcher) apply(t models.Ticker, receivedAt time.Time) {
	if !d.table.Update(t, receivedAt) {
		d.outdated.Add(1)
		return
	}
	d.applied.Add(1)
	if d.observe != nil {
		d.observe(t)
	}
}
