package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"arbflow/internal/channel"
	"arbflow/logger"
)

var (
	ErrAlreadyRunning   = errors.New("connector already running")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	errStreamEnded      = errors.New("stream ended")
)

const stopTimeout = 10 * time.Second

// Stats are the connector's running counters.
type Stats struct {
	Received    int64 `json:"received"`
	Enqueued    int64 `json:"enqueued"`
	Ignored     int64 `json:"ignored"`
	ParseErrors int64 `json:"parse_errors"`
	Dropped     int64 `json:"dropped"`
	Reconnects  int64 `json:"reconnects"`
	QueueLen    int   `json:"queue_len"`
	QueueCap    int   `json:"queue_cap"`
}

// StateListener observes state transitions, e.g. for metrics.
type StateListener func(exchange string, state State)

// StreamConnector supervises one exchange session: it drives the
// connect/subscribe/read cycle, reconnects with exponential backoff, and
// hands parsed tickers to its queue.
type StreamConnector struct {
	cfg     Config
	ex      Exchange
	queue   *channel.Queue
	allowed map[string]struct{}
	log     *logger.Entry
	limiter *logger.Limiter

	// stateMu also gates enqueueing: frames hold the read lock while they
	// enqueue, so once Closed is written no ticker can follow.
	stateMu sync.RWMutex
	state   State
	onState StateListener

	lastMessage  atomic.Int64
	received     atomic.Int64
	enqueued     atomic.Int64
	ignored      atomic.Int64
	parseErrors  atomic.Int64
	reconnects   atomic.Int64
	lastParseErr atomic.Value

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	wait func(ctx context.Context, d time.Duration) bool
	now  func() time.Time
}

// Option customises a StreamConnector.
type Option func(*StreamConnector)

func WithStateListener(fn StateListener) Option {
	return func(c *StreamConnector) { c.onState = fn }
}

// New builds a connector around ex that feeds q.
func New(cfg Config, ex Exchange, q *channel.Queue, log *logger.Log, opts ...Option) *StreamConnector {
	if log == nil {
		log = logger.GetLogger()
	}
	c := &StreamConnector{
		cfg:     cfg,
		ex:      ex,
		queue:   q,
		allowed: cfg.instrumentSet(),
		log:     log.WithComponent("connector").WithExchange(cfg.Name),
		limiter: logger.NewLimiter(cfg.LogWindow),
		state:   Disconnected,
		wait:    waitForReconnect,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if w, ok := ex.(LivenessWatcher); ok {
		w.WatchLiveness(c.LastMessage)
	}
	return c
}

func (c *StreamConnector) Name() string   { return c.cfg.Name }
func (c *StreamConnector) Config() Config { return c.cfg }

func (c *StreamConnector) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// LastMessage is the receipt time of the latest frame, zero before the first.
func (c *StreamConnector) LastMessage() time.Time {
	ns := c.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *StreamConnector) Stats() Stats {
	q := c.queue.Stats()
	return Stats{
		Received:    c.received.Load(),
		Enqueued:    c.enqueued.Load(),
		Ignored:     c.ignored.Load(),
		ParseErrors: c.parseErrors.Load(),
		Dropped:     q.Dropped,
		Reconnects:  c.reconnects.Load(),
		QueueLen:    q.Len,
		QueueCap:    q.Cap,
	}
}

// Start runs the supervised session in the background.
func (c *StreamConnector) Start(ctx context.Context) error {
	runCtx, done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer c.end(done)
		if err := c.supervise(runCtx); err != nil {
			c.log.WithError(err).Error("connector stopped permanently")
		}
	}()
	return nil
}

// Run is the blocking form of Start. It returns ErrRetriesExhausted when
// the retry budget runs out; other failures never escape.
func (c *StreamConnector) Run(ctx context.Context) error {
	runCtx, done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer c.end(done)
	return c.supervise(runCtx)
}

func (c *StreamConnector) begin(ctx context.Context) (context.Context, chan struct{}, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil, nil, ErrAlreadyRunning
	}
	if c.State() == Closed {
		return nil, nil, fmt.Errorf("%s connector is closed", c.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	return runCtx, c.done, nil
}

func (c *StreamConnector) end(done chan struct{}) {
	c.runMu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.runMu.Unlock()
	close(done)
}

// Stop closes the connector, interrupts a blocked session and waits for
// the supervisor to exit. No ticker is enqueued once Stop begins.
func (c *StreamConnector) Stop() {
	c.transition(Closed)

	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.safeDisconnect()

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(stopTimeout):
		c.log.Warn("connector did not stop in time")
	}
}

// supervise drives sessions until ctx is done, Stop is called, or the
// retry budget runs out.
func (c *StreamConnector) supervise(ctx context.Context) error {
	bo := &backoff.Backoff{
		Min:    c.cfg.InitialReconnectDelay,
		Max:    c.cfg.MaxReconnectDelay,
		Factor: 2,
		Jitter: false,
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go c.reportLoop(reportCtx)

	failures := 0
	for {
		if ctx.Err() != nil || !c.transition(Connecting) {
			return c.shutdown()
		}

		connected, err := c.session(ctx, bo)
		if ctx.Err() != nil || c.State() == Closed {
			return c.shutdown()
		}
		if err == nil {
			err = errStreamEnded
		}
		if connected {
			failures = 0
		}
		failures++

		c.transition(Reconnecting)
		c.reconnects.Add(1)
		c.safeDisconnect()

		if c.cfg.MaxRetries > 0 && failures >= c.cfg.MaxRetries {
			c.log.WithError(err).WithField("attempts", failures).Error("retry budget exhausted, closing connector")
			c.transition(Closed)
			return fmt.Errorf("%s: %w after %d attempts: %v", c.cfg.Name, ErrRetriesExhausted, failures, err)
		}

		delay := bo.Duration()
		c.limiter.Warn(c.log.WithError(err).WithFields(logger.Fields{
			"attempt": failures,
			"delay":   delay.String(),
		}), "reconnect", "session failed, reconnecting")

		if !c.wait(ctx, delay) {
			return c.shutdown()
		}
	}
}

// session runs one connect/subscribe/read cycle. connected reports whether
// the session reached CONNECTED before it ended.
func (c *StreamConnector) session(ctx context.Context, bo *backoff.Backoff) (connected bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s session: %v", c.cfg.Name, r)
		}
	}()

	if err := c.ex.Connect(ctx); err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	if err := c.ex.Subscribe(ctx, c.cfg.Instruments, c.handleFrame); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	if !c.transition(Connected) {
		return false, nil
	}
	bo.Reset()
	c.log.WithField("instruments", len(c.cfg.Instruments)).Info("connected")

	if err := c.ex.MessageLoop(ctx, c.handleFrame); err != nil {
		return true, fmt.Errorf("message loop: %w", err)
	}
	return true, nil
}

// handleFrame may run on a foreign goroutine. It only parses, bumps atomic
// counters and offers the ticker to the queue.
func (c *StreamConnector) handleFrame(frame []byte) {
	c.received.Add(1)
	c.lastMessage.Store(c.now().UnixNano())

	t, err := c.ex.Parse(frame)
	if err == nil && t != nil {
		if _, ok := c.allowed[strings.ToUpper(t.Instrument)]; !ok {
			c.ignored.Add(1)
			return
		}
		err = t.Validate()
	}
	if err != nil {
		c.parseErrors.Add(1)
		c.lastParseErr.Store(err.Error())
		return
	}
	if t == nil {
		return
	}

	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.state == Closed {
		return
	}
	if c.queue.TryEnqueue(*t) {
		c.enqueued.Add(1)
	}
}

func (c *StreamConnector) transition(to State) bool {
	c.stateMu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.stateMu.Unlock()
		if from != to {
			c.log.WithFields(logger.Fields{"from": from.String(), "to": to.String()}).Debug("ignoring invalid state transition")
		}
		return false
	}
	c.state = to
	c.stateMu.Unlock()

	c.log.WithFields(logger.Fields{"from": from.String(), "to": to.String()}).Debug("state transition")
	if c.onState != nil {
		c.onState(c.cfg.Name, to)
	}
	return true
}

func (c *StreamConnector) shutdown() error {
	c.transition(Closed)
	c.safeDisconnect()
	return nil
}

func (c *StreamConnector) safeDisconnect() {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Warn("disconnect panicked")
		}
	}()
	if err := c.ex.Disconnect(); err != nil {
		c.log.WithError(err).Debug("disconnect failed")
	}
}

// reportLoop logs drops and malformed frames once per window from the
// supervisor goroutine, keeping producer callbacks free of logging.
func (c *StreamConnector) reportLoop(ctx context.Context) {
	window := c.cfg.LogWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	var lastDropped, lastParseErrors int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Stats()
			if d := s.Dropped - lastDropped; d > 0 {
				c.log.WithFields(logger.Fields{
					"dropped":   d,
					"queue_len": s.QueueLen,
					"queue_cap": s.QueueCap,
				}).Warn("ingestion queue full, tickers dropped")
			}
			if p := s.ParseErrors - lastParseErrors; p > 0 {
				entry := c.log.WithField("count", p)
				if sample, ok := c.lastParseErr.Load().(string); ok {
					entry = entry.WithField("sample", sample)
				}
				entry.Warn("malformed messages dropped")
			}
			lastDropped, lastParseErrors = s.Dropped, s.ParseErrors
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
