// Package kucoin streams futures best bid/ask through the KuCoin universal
// SDK. The SDK owns the socket and delivers events on its own goroutines,
// so the message loop only watches the connector's receipt clock for
// silence.
package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"arbflow/config"
	"arbflow/internal/connector"
	"arbflow/internal/reader"
	"arbflow/logger"
	"arbflow/models"
)

const (
	name            = "kucoin"
	defaultEndpoint = "https://api-futures.kucoin.com"
	minSilence      = 30 * time.Second
)

var errSilent = errors.New("kucoin stream silent")

type Exchange struct {
	cfg     config.ExchangeConfig
	log     *logger.Entry
	silence time.Duration
	// lastMessage is the connector's receipt clock; started marks the
	// session start so a quiet new session gets a full window.
	lastMessage func() time.Time
	started     atomic.Int64

	mu sync.Mutex
	ws futurespublic.FuturesPublicWS
}

func New(cfg config.ExchangeConfig) *Exchange {
	silence := 6 * cfg.StalenessThreshold
	if silence < minSilence {
		silence = minSilence
	}
	return &Exchange{
		cfg:         cfg,
		log:         logger.GetLogger().WithComponent("kucoin_stream"),
		silence:     silence,
		lastMessage: func() time.Time { return time.Time{} },
	}
}

// WatchLiveness implements connector.LivenessWatcher.
func (e *Exchange) WatchLiveness(last func() time.Time) {
	if last != nil {
		e.lastMessage = last
	}
}

func (e *Exchange) Name() string { return name }

func (e *Exchange) endpoint() string {
	raw := strings.TrimSpace(e.cfg.RestURL)
	if raw == "" {
		raw = strings.TrimSpace(e.cfg.URL)
	}
	if raw == "" {
		return defaultEndpoint
	}
	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		return "https://" + parsed.Host
	}
	return defaultEndpoint
}

func (e *Exchange) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(4).
		SetMaxIdleConnsPerHost(4).
		SetMaxConnsPerHost(4).
		SetIdleConnTimeout(90 * time.Second).
		SetTimeout(10 * time.Second).
		Build()
	wsOpt := sdktype.NewWebSocketClientOptionBuilder().Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(e.endpoint()).
		WithTransportOption(transportOpt).
		WithWebSocketClientOption(wsOpt).
		Build()

	ws := sdkapi.NewClient(option).WsService().NewFuturesPublicWS()
	if err := ws.Start(); err != nil {
		return fmt.Errorf("start futures public ws: %w", err)
	}

	e.mu.Lock()
	e.ws = ws
	e.mu.Unlock()
	e.started.Store(time.Now().UnixNano())
	return nil
}

// Subscribe registers a tickerV2 callback per instrument. Each event is
// re-encoded and handed to emit from the SDK's goroutine; the callback
// touches no Exchange state.
func (e *Exchange) Subscribe(_ context.Context, instruments []string, emit connector.Emit) error {
	e.mu.Lock()
	ws := e.ws
	e.mu.Unlock()
	if ws == nil {
		return reader.ErrNotConnected
	}

	subscribed := 0
	for _, inst := range instruments {
		_, err := ws.TickerV2(strings.ToUpper(inst), func(topic, subject string, data *futurespublic.TickerV2Event) error {
			payload, err := json.Marshal(data)
			if err != nil {
				return err
			}
			emit(payload)
			return nil
		})
		if err != nil {
			e.log.WithFields(logger.Fields{"instrument": inst}).WithError(err).Warn("failed to subscribe")
			continue
		}
		subscribed++
	}
	if subscribed == 0 && len(instruments) > 0 {
		return fmt.Errorf("no tickerV2 subscription succeeded for %d instruments", len(instruments))
	}
	return nil
}

// MessageLoop returns when ctx ends or no event has arrived for the
// silence window, which forces a fresh session.
func (e *Exchange) MessageLoop(ctx context.Context, _ connector.Emit) error {
	check := e.silence / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if idle := now.Sub(e.lastActivity()); idle > e.silence {
				return fmt.Errorf("%w for %s", errSilent, idle.Round(time.Second))
			}
		}
	}
}

func (e *Exchange) lastActivity() time.Time {
	last := time.Unix(0, e.started.Load())
	if msg := e.lastMessage(); msg.After(last) {
		return msg
	}
	return last
}

func (e *Exchange) Disconnect() error {
	e.mu.Lock()
	ws := e.ws
	e.ws = nil
	e.mu.Unlock()
	if ws != nil {
		ws.Stop()
	}
	return nil
}

type tickerV2 struct {
	Symbol       string      `json:"symbol"`
	BestBidPrice string      `json:"bestBidPrice"`
	BestBidSize  json.Number `json:"bestBidSize"`
	BestAskPrice string      `json:"bestAskPrice"`
	BestAskSize  json.Number `json:"bestAskSize"`
	Ts           int64       `json:"ts"`
}

// Parse decodes a re-encoded tickerV2 event. KuCoin stamps events in
// nanoseconds.
func (e *Exchange) Parse(raw []byte) (*models.Ticker, error) {
	var ev tickerV2
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode tickerV2: %w", err)
	}
	if ev.Symbol == "" {
		return nil, nil
	}
	var ts time.Time
	if ev.Ts > 0 {
		ts = time.Unix(0, ev.Ts).UTC()
	}
	return reader.Quote(name, ev.Symbol, ev.BestBidPrice, ev.BestAskPrice, ev.BestBidSize.String(), ev.BestAskSize.String(), ts)
}
