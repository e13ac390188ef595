package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbflow/config"
	"arbflow/internal/pricetable"
	"arbflow/logger"
	"arbflow/models"
)

func TestLogSinkCooldownSuppressesRepeats(t *testing.T) {
	var buf bytes.Buffer
	log := logger.GetLogger()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	s := NewLogSink(time.Hour)
	opp := journalOpportunity("x")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Handle(context.Background(), opp))
	}
	other := opp
	other.Symbol = "ETHUSDT"
	require.NoError(t, s.Handle(context.Background(), other))

	assert.Equal(t, 2, strings.Count(buf.String(), "arbitrage opportunity"))
}

func TestLogSinkWithoutCooldownLogsEveryCycle(t *testing.T) {
	var buf bytes.Buffer
	log := logger.GetLogger()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	s := NewLogSink(0)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Handle(context.Background(), journalOpportunity("x")))
	}
	assert.Equal(t, 3, strings.Count(buf.String(), "arbitrage opportunity"))
}

func TestLogSinkIncludesSizing(t *testing.T) {
	var buf bytes.Buffer
	log := logger.GetLogger()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	s := NewLogSink(0)
	require.NoError(t, s.Handle(context.Background(), journalOpportunity("x")))
	assert.NotContains(t, buf.String(), "net_profit_usd")

	opp := journalOpportunity("y")
	opp.Sizing = &models.Sizing{Quantity: decimal.RequireFromString("4.94"), NetProfitUSD: decimal.RequireFromString("8.37")}
	require.NoError(t, s.Handle(context.Background(), opp))
	assert.Contains(t, buf.String(), "net_profit_usd")
	assert.Contains(t, buf.String(), "8.37")
}

func TestEncodeOpportunity(t *testing.T) {
	data, err := encode(journalOpportunity("id-1"))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "id-1", decoded["id"])
	assert.Equal(t, "bybit", decoded["buy_exchange"])
	assert.Equal(t, "102", decoded["sell_price"])
}

func TestEncodeEntry(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	value, err := encodeEntry(pricetable.Entry{
		Ticker: models.Ticker{
			Exchange:   "okx",
			Instrument: "BTC-USDT-SWAP",
			Symbol:     "BTCUSDT",
			Bid:        decimal.RequireFromString("100.5"),
			Ask:        decimal.RequireFromString("100.6"),
			Timestamp:  ts,
		},
		ReceivedAt: ts,
	})
	require.NoError(t, err)
	assert.Contains(t, value, `"bid":"100.5"`)
	assert.Contains(t, value, `"instrument":"BTC-USDT-SWAP"`)
}

func TestRedisSinkMirrorNeedsOptIn(t *testing.T) {
	src := func() map[string]map[string]pricetable.Entry { return nil }

	s := NewRedisSink(config.RedisConfig{Addr: "127.0.0.1:0"}, src, time.Second)
	assert.Zero(t, s.FlushInterval())
	assert.NoError(t, s.Flush(context.Background()))
	assert.NoError(t, s.Close())

	s = NewRedisSink(config.RedisConfig{Addr: "127.0.0.1:0", MirrorPrice: true}, src, time.Second)
	assert.Equal(t, time.Second, s.FlushInterval())
	assert.NoError(t, s.Flush(context.Background()), "an empty table writes nothing")
	assert.NoError(t, s.Close())
}

func TestKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(config.KafkaConfig{Topic: "t"})
	assert.Error(t, err)

	s, err := NewKafkaSink(config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.Equal(t, "kafka", s.Name())
	assert.NoError(t, s.Close())
}
