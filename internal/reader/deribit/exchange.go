// Package deribit streams best bid/ask over Deribit's JSON-RPC websocket
// using the quote.<instrument> channels.
package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"arbflow/config"
	"arbflow/internal/connector"
	"arbflow/internal/metrics/rate"
	"arbflow/internal/reader"
	"arbflow/logger"
	"arbflow/models"
)

const (
	name           = "deribit"
	defaultURL     = "wss://www.deribit.com/ws/api/v2"
	defaultRestURL = "https://www.deribit.com"
)

var testRequest = []byte(`{"jsonrpc":"2.0","id":0,"method":"public/test","params":{}}`)

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
	s.KeepAlive = 15 * time.Second
	s.Ping = func() (int, []byte) { return websocket.TextMessage, testRequest }
	return &Exchange{cfg: cfg, stream: s}
}

func (e *Exchange) Name() string { return name }

func (e *Exchange) Connect(ctx context.Context) error { return e.stream.Connect(ctx) }

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

func (e *Exchange) Subscribe(_ context.Context, instruments []string, _ connector.Emit) error {
	channels := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		channels = append(channels, "quote."+strings.ToUpper(inst))
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      e.ids.Add(1),
		Method:  "public/subscribe",
		Params:  map[string][]string{"channels": channels},
	}
	if err := e.stream.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe quote: %w", err)
	}
	return nil
}

func (e *Exchange) MessageLoop(ctx context.Context, emit connector.Emit) error {
	return e.stream.ReadLoop(ctx, emit)
}

func (e *Exchange) Disconnect() error { return e.stream.Close() }

type quote struct {
	Timestamp      int64       `json:"timestamp"`
	InstrumentName string      `json:"instrument_name"`
	BestBidPrice   json.Number `json:"best_bid_price"`
	BestBidAmount  json.Number `json:"best_bid_amount"`
	BestAskPrice   json.Number `json:"best_ask_price"`
	BestAskAmount  json.Number `json:"best_ask_amount"`
}

type rpcMessage struct {
	Method string `json:"method"`
	Params struct {
		Channel string `json:"channel"`
		Data    quote  `json:"data"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Parse decodes a quote subscription notification. RPC results (subscribe
// acks, public/test replies) yield nil.
func (e *Exchange) Parse(raw []byte) (*models.Ticker, error) {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Error != nil {
		rate.ReportLimitFromMessage(logger.GetLogger(), name, "ws", e.cfg.LocalIP, msg.Error.Message)
		return nil, fmt.Errorf("deribit error %d: %s", msg.Error.Code, msg.Error.Message)
	}
	if msg.Method != "subscription" || !strings.HasPrefix(msg.Params.Channel, "quote.") {
		return nil, nil
	}

	q := msg.Params.Data
	// Deribit sends null prices for an empty side.
	if q.BestBidPrice == "" || q.BestAskPrice == "" {
		return nil, nil
	}
	return reader.Quote(name, q.InstrumentName, q.BestBidPrice.String(), q.BestAskPrice.String(),
		q.BestBidAmount.String(), q.BestAskAmount.String(), reader.Millis(q.Timestamp))
}

type instrumentsResponse struct {
	Result []struct {
		InstrumentName string      `json:"instrument_name"`
		IsActive       bool        `json:"is_active"`
		InstrumentType string      `json:"instrument_type"`
		ContractSize   json.Number `json:"contract_size"`
		MinTradeAmount json.Number `json:"min_trade_amount"`
	} `json:"result"`
}

// ListInstruments returns the active futures, perpetuals included. Book
// amounts of inverse ("reversed") contracts are already USD; linear books
// are in base currency and trade in multiples of the contract size.
func (e *Exchange) ListInstruments(ctx context.Context) (map[string]models.InstrumentSpec, error) {
	base := strings.TrimRight(strings.TrimSpace(e.cfg.RestURL), "/")
	if base == "" {
		base = defaultRestURL
	}
	var resp instrumentsResponse
	if err := reader.GetJSON(ctx, name, e.cfg.LocalIP, base+"/api/v2/public/get_instruments?currency=any&kind=future", &resp); err != nil {
		return nil, err
	}
	out := make(map[string]models.InstrumentSpec, len(resp.Result))
	for _, inst := range resp.Result {
		if !inst.IsActive {
			continue
		}
		spec := models.DefaultInstrumentSpec()
		if inst.InstrumentType == "reversed" {
			spec.QuoteSized = true
		} else {
			spec = reader.Spec("1", inst.MinTradeAmount.String(), inst.ContractSize.String())
		}
		out[strings.ToUpper(inst.InstrumentName)] = spec
	}
	return out, nil
}
