// Package bybit streams linear perpetual top-of-book from Bybit's v5
// public orderbook.1 channel.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/gorilla/websocket"

	"arbflow/config"
	"arbflow/internal/connector"
	"arbflow/internal/metrics/rate"
	"arbflow/internal/reader"
	"arbflow/logger"
	"arbflow/models"
)

const (
	name           = "bybit"
	defaultURL     = "wss://stream.bybit.com/v5/public/linear"
	defaultRestURL = "https://api.bybit.com"
	// Bybit caps a single subscribe request at 10 topics.
	topicsPerRequest = 10
)

type Exchange struct {
	cfg    config.ExchangeConfig
	stream *reader.Stream

	mu    sync.Mutex
	books map[string]*top
}

func New(cfg config.ExchangeConfig) *Exchange {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = defaultURL
	}
	s := reader.NewStream(name, url, cfg.LocalIP)
	s.KeepAlive = 20 * time.Second
	s.Ping = func() (int, []byte) { return websocket.TextMessage, []byte(`{"op":"ping"}`) }
	return &Exchange{cfg: cfg, stream: s, books: make(map[string]*top)}
}

func (e *Exchange) Name() string { return name }

func (e *Exchange) Connect(ctx context.Context) error {
	e.mu.Lock()
	e.books = make(map[string]*top)
	e.mu.Unlock()
	return e.stream.Connect(ctx)
}

func (e *Exchange) Subscribe(_ context.Context, instruments []string, _ connector.Emit) error {
	for start := 0; start < len(instruments); start += topicsPerRequest {
		end := min(start+topicsPerRequest, len(instruments))
		args := make([]string, 0, end-start)
		for _, inst := range instruments[start:end] {
			args = append(args, "orderbook.1."+strings.ToUpper(inst))
		}
		if err := e.stream.WriteJSON(request{Op: "subscribe", Args: args}); err != nil {
			return fmt.Errorf("subscribe orderbook.1: %w", err)
		}
	}
	return nil
}

func (e *Exchange) MessageLoop(ctx context.Context, emit connector.Emit) error {
	return e.stream.ReadLoop(ctx, emit)
}

func (e *Exchange) Disconnect() error { return e.stream.Close() }

// Parse applies an orderbook.1 snapshot or delta to the cached top of book
// and returns the resulting quote. Frames that leave a side unknown, and
// op responses, yield nil.
func (e *Exchange) Parse(raw []byte) (*models.Ticker, error) {
	var msg orderbookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			rate.ReportLimitFromMessage(logger.GetLogger(), name, "ws", e.cfg.LocalIP, msg.RetMsg)
			return nil, fmt.Errorf("bybit %s failed: %s", msg.Op, msg.RetMsg)
		}
		return nil, nil
	}
	if !strings.HasPrefix(msg.Topic, "orderbook.") || msg.Data.Symbol == "" {
		return nil, nil
	}

	e.mu.Lock()
	book, ok := e.books[msg.Data.Symbol]
	if !ok || msg.Type == "snapshot" {
		book = &top{}
		e.books[msg.Data.Symbol] = book
	}
	book.bid.apply(msg.Data.Bids)
	book.ask.apply(msg.Data.Asks)
	bid, ask := book.bid, book.ask
	e.mu.Unlock()

	if bid.price == "" || ask.price == "" {
		return nil, nil
	}
	return reader.Quote(name, msg.Data.Symbol, bid.price, ask.price, bid.qty, ask.qty, reader.Millis(msg.Ts))
}

// ListInstruments returns the linear contracts with status Trading.
func (e *Exchange) ListInstruments(ctx context.Context) (map[string]models.InstrumentSpec, error) {
	base := strings.TrimRight(strings.TrimSpace(e.cfg.RestURL), "/")
	if base == "" {
		base = defaultRestURL
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = rate.NewHTTPClient(name, e.cfg.LocalIP, 10*time.Second)

	params := map[string]interface{}{"category": "linear", "limit": 1000}
	resp, err := client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("instruments info: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("instruments info: retCode %d: %s", resp.RetCode, resp.RetMsg)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal instruments: %w", err)
	}
	var result instrumentsResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	out := make(map[string]models.InstrumentSpec, len(result.List))
	for _, inst := range result.List {
		if inst.Status == "Trading" {
			lot := inst.LotSizeFilter
			out[strings.ToUpper(inst.Symbol)] = reader.Spec("1", lot.MinOrderQty, lot.QtyStep)
		}
	}
	return out, nil
}
