package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arbflow/internal/metrics"
	"arbflow/logger"
	"arbflow/models"
)

const drainTimeout = 5 * time.Second

// Sink consumes opportunities on its own goroutine. Handle is never called
// concurrently for one sink.
type Sink interface {
	Name() string
	Handle(ctx context.Context, opp models.Opportunity) error
	Close() error
}

// Flusher is implemented by sinks that batch. Flush runs on the sink's
// goroutine every FlushInterval and once more before Close.
type Flusher interface {
	Flush(ctx context.Context) error
	FlushInterval() time.Duration
}

// StatsProvider lets a sink add its own counters to the periodic report.
type StatsProvider interface {
	Stats() metrics.WriterStats
}

type sinkRunner struct {
	sink    Sink
	ch      chan models.Opportunity
	written atomic.Int64
	errors  atomic.Int64
	dropped atomic.Int64
}

type PublisherOption func(*Publisher)

// WithReportInterval logs per-sink counters every d while Run is active.
func WithReportInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.reportEvery = d }
}

// Publisher fans opportunities out to sinks. Publish never blocks: each
// sink has its own bounded buffer and a full buffer drops the opportunity
// for that sink only.
type Publisher struct {
	runners     []*sinkRunner
	reportEvery time.Duration
	log         *logger.Log
	limiter     *logger.Limiter

	mu      sync.Mutex
	running bool
}

func NewPublisher(bufferSize int, sinks []Sink, opts ...PublisherOption) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	p := &Publisher{
		log:     logger.GetLogger(),
		limiter: logger.NewLimiter(10 * time.Second),
	}
	for _, s := range sinks {
		p.runners = append(p.runners, &sinkRunner{sink: s, ch: make(chan models.Opportunity, bufferSize)})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish implements spread.Emitter.
func (p *Publisher) Publish(opp models.Opportunity) {
	for _, r := range p.runners {
		select {
		case r.ch <- opp:
		default:
			r.dropped.Add(1)
			p.limiter.Warn(p.log.WithComponent("publisher").WithFields(logger.Fields{
				"sink":   r.sink.Name(),
				"symbol": opp.Symbol,
			}), "drop:"+r.sink.Name(), "sink buffer full, dropping opportunity")
		}
	}
}

// Drops returns the number of opportunities each sink's buffer rejected.
func (p *Publisher) Drops() map[string]int64 {
	out := make(map[string]int64, len(p.runners))
	for _, r := range p.runners {
		out[r.sink.Name()] = r.dropped.Load()
	}
	return out
}

// Stats returns the counters of every sink keyed by name.
func (p *Publisher) Stats() map[string]metrics.WriterStats {
	out := make(map[string]metrics.WriterStats, len(p.runners))
	for _, r := range p.runners {
		out[r.sink.Name()] = r.stats()
	}
	return out
}

func (r *sinkRunner) stats() metrics.WriterStats {
	var s metrics.WriterStats
	if sp, ok := r.sink.(StatsProvider); ok {
		s = sp.Stats()
	}
	s.Written = r.written.Load()
	s.Errors = r.errors.Load()
	s.Dropped = r.dropped.Load()
	s.BufferLen = len(r.ch)
	s.BufferCap = cap(r.ch)
	return s
}

// Run drives every sink until ctx is done, then drains what is buffered
// and closes the sinks.
func (p *Publisher) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	p.running = true
	p.mu.Unlock()

	p.log.WithComponent("publisher").WithFields(logger.Fields{"sinks": len(p.runners)}).Info("starting opportunity publisher")

	var wg sync.WaitGroup
	for _, r := range p.runners {
		wg.Add(1)
		go func(r *sinkRunner) {
			defer wg.Done()
			p.runSink(ctx, r)
		}(r)
	}

	if p.reportEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reportLoop(ctx)
		}()
	}

	wg.Wait()
	p.report()
	p.log.WithComponent("publisher").Info("opportunity publisher stopped")
	return nil
}

func (p *Publisher) runSink(ctx context.Context, r *sinkRunner) {
	log := p.log.WithComponent("publisher").WithField("sink", r.sink.Name())

	var flushC <-chan time.Time
	flusher, batching := r.sink.(Flusher)
	if batching && flusher.FlushInterval() > 0 {
		t := time.NewTicker(flusher.FlushInterval())
		defer t.Stop()
		flushC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			p.drain(r, flusher, batching, log)
			return
		case opp := <-r.ch:
			p.handle(ctx, r, opp, log)
		case <-flushC:
			if err := flusher.Flush(ctx); err != nil {
				log.WithError(err).Warn("sink flush failed")
			}
		}
	}
}

func (p *Publisher) handle(ctx context.Context, r *sinkRunner, opp models.Opportunity, log *logger.Entry) {
	if err := r.sink.Handle(ctx, opp); err != nil {
		r.errors.Add(1)
		p.limiter.Warn(log.WithError(err), "err:"+r.sink.Name(), "sink failed to handle opportunity")
		return
	}
	r.written.Add(1)
}

func (p *Publisher) drain(r *sinkRunner, flusher Flusher, batching bool, log *logger.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for pending := len(r.ch); pending > 0; pending-- {
		p.handle(ctx, r, <-r.ch, log)
	}
	if batching {
		if err := flusher.Flush(ctx); err != nil {
			log.WithError(err).Warn("final sink flush failed")
		}
	}
	if err := r.sink.Close(); err != nil {
		log.WithError(err).Warn("failed to close sink")
	}
}

func (p *Publisher) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.report()
		}
	}
}

func (p *Publisher) report() {
	for _, r := range p.runners {
		metrics.ReportWriter(p.log, r.sink.Name()+"_sink", r.stats())
	}
}
