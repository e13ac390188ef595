// Package binance streams USD-M futures best bid/ask from Binance.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"arbflow/config"
	"arbflow/internal/connector"
	"arbflow/internal/metrics/rate"
	"arbflow/internal/reader"
	"arbflow/logger"
	"arbflow/models"
)

const (
	name       = "binance"
	defaultURL = "wss://fstream.binance.com/stream"
	// Binance rejects SUBSCRIBE requests with more params than this.
	maxStreamsPerRequest = 200
)

type Exchange struct {
	cfg    config.ExchangeConfig
	stream *reader.Stream
	ids    atomic.Int64
}

func New(cfg config.ExchangeConfig) *Exchange {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = defaultURL
	}
	s := reader.NewStream(name, url, cfg.LocalIP)
	// Server pings arrive every 3 minutes and gorilla answers them.
	s.KeepAlive = time.Minute
	s.ReadTimeout = 5 * time.Minute
	return &Exchange{cfg: cfg, stream: s}
}

func (e *Exchange) Name() string { return name }

func (e *Exchange) Connect(ctx context.Context) error { return e.stream.Connect(ctx) }

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (e *Exchange) Subscribe(_ context.Context, instruments []string, _ connector.Emit) error {
	params := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		params = append(params, strings.ToLower(inst)+"@bookTicker")
	}
	for start := 0; start < len(params); start += maxStreamsPerRequest {
		end := min(start+maxStreamsPerRequest, len(params))
		req := subscribeRequest{Method: "SUBSCRIBE", Params: params[start:end], ID: e.ids.Add(1)}
		if err := e.stream.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe bookTicker: %w", err)
		}
	}
	return nil
}

func (e *Exchange) MessageLoop(ctx context.Context, emit connector.Emit) error {
	return e.stream.ReadLoop(ctx, emit)
}

func (e *Exchange) Disconnect() error { return e.stream.Close() }

type bookTicker struct {
	Event    string `json:"e"`
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	Bid      string `json:"b"`
	BidQty   string `json:"B"`
	Ask      string `json:"a"`
	AskQty   string `json:"A"`
	TxTime   int64  `json:"T"`
	Time     int64  `json:"E"`
}

type frame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// Parse decodes a combined-stream bookTicker frame. Subscription
// acknowledgements yield nil.
func (e *Exchange) Parse(raw []byte) (*models.Ticker, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Error != nil {
		rate.ReportLimitFromMessage(logger.GetLogger(), name, "ws", e.cfg.LocalIP, f.Error.Msg)
		return nil, fmt.Errorf("binance error %d: %s", f.Error.Code, f.Error.Msg)
	}
	if len(f.Data) == 0 {
		return nil, nil
	}

	var bt bookTicker
	if err := json.Unmarshal(f.Data, &bt); err != nil {
		return nil, fmt.Errorf("decode bookTicker: %w", err)
	}
	if bt.Symbol == "" {
		return nil, nil
	}
	ts := bt.TxTime
	if ts == 0 {
		ts = bt.Time
	}
	return reader.Quote(name, bt.Symbol, bt.Bid, bt.Ask, bt.BidQty, bt.AskQty, reader.Millis(ts))
}

// ListInstruments returns the futures symbols currently trading with their
// market lot sizes.
func (e *Exchange) ListInstruments(ctx context.Context) (map[string]models.InstrumentSpec, error) {
	client := futures.NewClient("", "")
	client.HTTPClient = rate.NewHTTPClient(name, e.cfg.LocalIP, 10*time.Second)
	if base := strings.TrimRight(strings.TrimSpace(e.cfg.RestURL), "/"); base != "" {
		client.BaseURL = base
	}

	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	out := make(map[string]models.InstrumentSpec, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		var minQty, step string
		if lot := s.MarketLotSizeFilter(); lot != nil {
			minQty, step = lot.MinQuantity, lot.StepSize
		} else if lot := s.LotSizeFilter(); lot != nil {
			minQty, step = lot.MinQuantity, lot.StepSize
		}
		out[strings.ToUpper(s.Symbol)] = reader.Spec("1", minQty, step)
	}
	return out, nil
}
