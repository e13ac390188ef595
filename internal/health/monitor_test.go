package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbflow/internal/connector"
)

type stubSource struct {
	name  string
	state connector.State
	last  time.Time
	stats connector.Stats
}

func (s stubSource) Name() string           { return s.name }
func (s stubSource) State() connector.State { return s.state }
func (s stubSource) LastMessage() time.Time { return s.last }
func (s stubSource) Stats() connector.Stats { return s.stats }
func (s stubSource) Config() connector.Config {
	return connector.Config{Name: s.name, StalenessThreshold: 5 * time.Second}
}

func TestReport(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := New(time.Minute, []Source{
		stubSource{name: "okx", state: connector.Connected, last: now.Add(-6 * time.Second)},
		stubSource{name: "bybit", state: connector.Connected, last: now.Add(-time.Second), stats: connector.Stats{Dropped: 7, QueueLen: 3}},
		stubSource{name: "deribit", state: connector.Closed, last: now},
		stubSource{name: "kucoin", state: connector.Connecting},
	}, nil)

	got := m.Report(now)
	require.Len(t, got, 4)

	byName := map[string]Status{}
	for _, s := range got {
		byName[s.Exchange] = s
	}
	assert.Equal(t, []string{"bybit", "deribit", "kucoin", "okx"},
		[]string{got[0].Exchange, got[1].Exchange, got[2].Exchange, got[3].Exchange})

	assert.True(t, byName["bybit"].Healthy)
	assert.EqualValues(t, 7, byName["bybit"].Dropped)
	assert.Equal(t, time.Second, byName["bybit"].SinceLast)

	assert.True(t, byName["okx"].Stale)
	assert.False(t, byName["okx"].Healthy)

	assert.False(t, byName["deribit"].Stale)
	assert.False(t, byName["deribit"].Healthy, "closed connector is unhealthy")

	assert.True(t, byName["kucoin"].Stale, "never received a message")
	assert.False(t, Healthy(got))
}

func TestRunCallsReporter(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := New(10*time.Millisecond, []Source{
		stubSource{name: "okx", state: connector.Connected, last: time.Now()},
	}, func(s []Status) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, 5*time.Millisecond)
}
