package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbflow/internal/channel"
	"arbflow/logger"
	"arbflow/models"
)

type fakeFrame struct {
	Instrument string `json:"i"`
	Bid        string `json:"b"`
	Ask        string `json:"a"`
	Seq        int64  `json:"s"`
}

// fakeExchange emits frames from its own goroutine, the way a vendor SDK
// callback would, and ignores ctx so only the connector gate stops it.
type fakeExchange struct {
	connectErr  error
	connects    atomic.Int32
	disconnects atomic.Int32

	mu     sync.Mutex
	emit   Emit
	frames chan []byte
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{frames: make(chan []byte, 128)}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Connect(ctx context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}

func (f *fakeExchange) Subscribe(ctx context.Context, instruments []string, emit Emit) error {
	f.mu.Lock()
	f.emit = emit
	f.mu.Unlock()
	return nil
}

func (f *fakeExchange) MessageLoop(ctx context.Context, emit Emit) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-f.frames:
			emit(frame)
		}
	}
}

func (f *fakeExchange) Disconnect() error {
	f.disconnects.Add(1)
	return nil
}

func (f *fakeExchange) Parse(frame []byte) (*models.Ticker, error) {
	var p fakeFrame
	if err := json.Unmarshal(frame, &p); err != nil {
		return nil, err
	}
	if p.Instrument == "" {
		return nil, nil
	}
	bid, err := decimal.NewFromString(p.Bid)
	if err != nil {
		return nil, err
	}
	ask, err := decimal.NewFromString(p.Ask)
	if err != nil {
		return nil, err
	}
	return &models.Ticker{
		Exchange:   "fake",
		Instrument: p.Instrument,
		Symbol:     p.Instrument,
		Bid:        bid,
		Ask:        ask,
		Timestamp:  time.UnixMilli(p.Seq),
	}, nil
}

// foreignEmit calls the registered callback directly, bypassing MessageLoop.
func (f *fakeExchange) foreignEmit(frame []byte) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	if emit != nil {
		emit(frame)
	}
}

func frame(t *testing.T, inst string, seq int64) []byte {
	t.Helper()
	b, err := json.Marshal(fakeFrame{Instrument: inst, Bid: "100", Ask: "101", Seq: seq})
	require.NoError(t, err)
	return b
}

func testConfig(maxRetries int) Config {
	return Config{
		Name:                  "fake",
		Instruments:           []string{"BTCUSDT"},
		InitialReconnectDelay: 3 * time.Second,
		MaxReconnectDelay:     60 * time.Second,
		MaxRetries:            maxRetries,
		QueueSize:             16,
		StalenessThreshold:    5 * time.Second,
		LogWindow:             time.Hour,
	}
}

func TestConnectFailureBackoffAndRetryBudget(t *testing.T) {
	ex := newFakeExchange()
	ex.connectErr = errors.New("dial refused")
	c := New(testConfig(5), ex, channel.NewQueue("fake", 16), logger.Logger())

	var delays []time.Duration
	c.wait = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return true
	}

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, Closed, c.State())
	assert.EqualValues(t, 5, ex.connects.Load(), "five attempts, then no more")
	assert.Equal(t, []time.Duration{
		3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second,
	}, delays)

	// a closed connector cannot be restarted
	assert.Error(t, c.Run(context.Background()))
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	ex := newFakeExchange()
	ex.connectErr = errors.New("dial refused")
	c := New(testConfig(0), ex, channel.NewQueue("fake", 16), logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	c.wait = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		if len(delays) == 8 {
			cancel()
			return false
		}
		return true
	}

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []time.Duration{
		3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second,
		48 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}, delays)
	assert.Equal(t, Closed, c.State())
}

// session is one scripted connect/subscribe/read outcome.
type session struct {
	connect, subscribe, loop error
}

// scriptedExchange plays sessions in order and repeats the last one.
type scriptedExchange struct {
	*fakeExchange
	mu       sync.Mutex
	sessions []session
	current  session
}

func (s *scriptedExchange) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.current = s.sessions[0]
	if len(s.sessions) > 1 {
		s.sessions = s.sessions[1:]
	}
	s.mu.Unlock()
	s.connects.Add(1)
	return s.current.connect
}

func (s *scriptedExchange) Subscribe(ctx context.Context, instruments []string, emit Emit) error {
	return s.current.subscribe
}

func (s *scriptedExchange) MessageLoop(ctx context.Context, emit Emit) error {
	return s.current.loop
}

func TestBackoffResetsAfterConnectedSession(t *testing.T) {
	dial := errors.New("dial refused")
	dropped := errors.New("connection reset")
	ex := &scriptedExchange{fakeExchange: newFakeExchange(), sessions: []session{
		{connect: dial},
		{connect: dial},
		{connect: dial},
		{loop: dropped},
		{connect: dial},
		{loop: dropped},
	}}
	c := New(testConfig(4), ex, channel.NewQueue("fake", 16), logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	var disconnects []int32
	c.wait = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		disconnects = append(disconnects, ex.disconnects.Load())
		if len(delays) == 6 {
			cancel()
			return false
		}
		return true
	}

	require.NoError(t, c.Run(ctx), "a connected session resets the retry budget")
	assert.Equal(t, []time.Duration{
		3 * time.Second, 6 * time.Second, 12 * time.Second,
		3 * time.Second, 6 * time.Second,
		3 * time.Second,
	}, delays)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, disconnects, "every failed session is disconnected before waiting")
	assert.EqualValues(t, 6, c.Stats().Reconnects)
}

func TestSubscribeFailureReconnects(t *testing.T) {
	ex := &scriptedExchange{fakeExchange: newFakeExchange(), sessions: []session{
		{subscribe: errors.New("subscription rejected")},
	}}

	var mu sync.Mutex
	var states []State
	c := New(testConfig(0), ex, channel.NewQueue("fake", 16), logger.Logger(),
		WithStateListener(func(_ string, s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stateAtWait State
	var disconnectsAtWait int32
	c.wait = func(ctx context.Context, d time.Duration) bool {
		stateAtWait = c.State()
		disconnectsAtWait = ex.disconnects.Load()
		cancel()
		return false
	}

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, Reconnecting, stateAtWait)
	assert.EqualValues(t, 1, disconnectsAtWait)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, states, Connected, "a failed subscribe never reaches CONNECTED")
	assert.Equal(t, []State{Connecting, Reconnecting, Closed}, states)
}

func TestFramesReachQueueInOrder(t *testing.T) {
	ex := newFakeExchange()
	q := channel.NewQueue("fake", 64)
	c := New(testConfig(0), ex, q, logger.Logger())

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ex.frames <- []byte("{not json")
	ex.frames <- frame(t, "ETHUSDT", 0) // not configured
	ex.frames <- []byte(`{}`)           // no quote
	for i := int64(1); i <= 20; i++ {
		ex.frames <- frame(t, "BTCUSDT", i)
	}

	for i := int64(1); i <= 20; i++ {
		select {
		case got := <-q.Out():
			assert.Equal(t, time.UnixMilli(i), got.Timestamp)
		case <-time.After(2 * time.Second):
			t.Fatalf("ticker %d never arrived", i)
		}
	}

	assert.Equal(t, Connected, c.State())
	stats := c.Stats()
	assert.EqualValues(t, 1, stats.ParseErrors)
	assert.EqualValues(t, 1, stats.Ignored)
	assert.EqualValues(t, 20, stats.Enqueued)
	assert.False(t, c.LastMessage().IsZero())
}

type watchingExchange struct {
	*fakeExchange
	last func() time.Time
}

func (w *watchingExchange) WatchLiveness(last func() time.Time) { w.last = last }

func TestNewWiresLivenessWatcher(t *testing.T) {
	ex := &watchingExchange{fakeExchange: newFakeExchange()}
	q := channel.NewQueue("fake", 64)
	c := New(testConfig(0), ex, q, logger.Logger())
	require.NotNil(t, ex.last)
	assert.True(t, ex.last().IsZero())

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ex.frames <- frame(t, "BTCUSDT", 1)
	select {
	case <-q.Out():
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never arrived")
	}
	assert.False(t, ex.last().IsZero())
	assert.Equal(t, c.LastMessage(), ex.last())
}

func TestInvalidQuoteCountsAsParseError(t *testing.T) {
	ex := newFakeExchange()
	q := channel.NewQueue("fake", 4)
	c := New(testConfig(0), ex, q, logger.Logger())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	b, _ := json.Marshal(fakeFrame{Instrument: "BTCUSDT", Bid: "0", Ask: "101"})
	ex.frames <- b

	require.Eventually(t, func() bool { return c.Stats().ParseErrors == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestStopWhileConnected(t *testing.T) {
	ex := newFakeExchange()
	q := channel.NewQueue("fake", 256)
	c := New(testConfig(0), ex, q, logger.Logger())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Connected }, 2*time.Second, 5*time.Millisecond)

	ex.foreignEmit(frame(t, "BTCUSDT", 1))
	require.Eventually(t, func() bool { return c.Stats().Enqueued == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, Closed, c.State())
	assert.GreaterOrEqual(t, ex.disconnects.Load(), int32(1))

	// the vendor side keeps calling back after stop; nothing may get through
	for i := int64(2); i < 10; i++ {
		ex.foreignEmit(frame(t, "BTCUSDT", i))
	}
	assert.EqualValues(t, 1, c.Stats().Enqueued)
	assert.Equal(t, 1, q.Len())
}

func TestStartTwice(t *testing.T) {
	c := New(testConfig(0), newFakeExchange(), channel.NewQueue("fake", 4), logger.Logger())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)
}

func TestStateTransitions(t *testing.T) {
	allowed := [][2]State{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connected, Reconnecting},
		{Reconnecting, Connecting},
		{Connected, Closed},
		{Disconnected, Closed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]State{
		{Disconnected, Connected},
		{Connected, Connecting},
		{Reconnecting, Connected},
		{Closed, Connecting},
		{Closed, Closed},
	}
	for _, tr := range rejected {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

type listingExchange struct {
	*fakeExchange
	listed map[string]models.InstrumentSpec
	err    error
}

func (l listingExchange) ListInstruments(ctx context.Context) (map[string]models.InstrumentSpec, error) {
	return l.listed, l.err
}

func TestLoadInstruments(t *testing.T) {
	log := logger.Logger()
	ctx := context.Background()
	in := []string{"BTCUSDT", "NOPEUSDT", "ethusdt"}
	btc := models.InstrumentSpec{ContractSize: decimal.NewFromInt(1), MinQty: decimal.RequireFromString("0.001")}

	ex := listingExchange{fakeExchange: newFakeExchange(), listed: map[string]models.InstrumentSpec{
		"BTCUSDT": btc,
		"ETHUSDT": models.DefaultInstrumentSpec(),
	}}
	kept, specs := LoadInstruments(ctx, ex, in, true, log)
	assert.Equal(t, []string{"BTCUSDT", "ethusdt"}, kept)
	assert.Equal(t, btc, specs["BTCUSDT"])
	assert.Contains(t, specs, "ETHUSDT")

	kept, specs = LoadInstruments(ctx, ex, in, false, log)
	assert.Equal(t, in, kept, "without filtering unknown instruments stay")
	assert.Len(t, specs, 2)

	ex.err = errors.New("rest down")
	kept, specs = LoadInstruments(ctx, ex, in, true, log)
	assert.Equal(t, in, kept)
	assert.Nil(t, specs)

	kept, specs = LoadInstruments(ctx, newFakeExchange(), in, true, log)
	assert.Equal(t, in, kept)
	assert.Nil(t, specs)
}
