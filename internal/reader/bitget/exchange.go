// Package bitget streams USDT-margined futures best bid/ask from the
// Bitget v2 public books1 channel.
package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"arbflow/config"
	"arbflow/internal/connector"
	"arbflow/internal/metrics/rate"
	"arbflow/internal/reader"
	"arbflow/logger"
	"arbflow/models"
)

const (
	name           = "bitget"
	defaultURL     = "wss://ws.bitget.com/v2/ws/public"
	defaultRestURL = "https://api.bitget.com"
	instType       = "USDT-FUTURES"
)

type Exchange struct {
	cfg    config.ExchangeConfig
	stream *reader.Stream
}

func New(cfg config.ExchangeConfig) *Exchange {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = defaultURL
	}
	s := reader.NewStream(name, url, cfg.LocalIP)
	s.KeepAlive = 20 * time.Second
	s.Ping = reader.TextPing
	return &Exchange{cfg: cfg, stream: s}
}

func (e *Exchange) Name() string { return name }

func (e *Exchange) Connect(ctx context.Context) error { return e.stream.Connect(ctx) }

type arg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

func (e *Exchange) Subscribe(_ context.Context, instruments []string, _ connector.Emit) error {
	args := make([]arg, 0, len(instruments))
	for _, inst := range instruments {
		args = append(args, arg{InstType: instType, Channel: "books1", InstID: strings.ToUpper(inst)})
	}
	if err := e.stream.WriteJSON(request{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("subscribe books1: %w", err)
	}
	return nil
}

func (e *Exchange) MessageLoop(ctx context.Context, emit connector.Emit) error {
	return e.stream.ReadLoop(ctx, emit)
}

func (e *Exchange) Disconnect() error { return e.stream.Close() }

type message struct {
	Event  string      `json:"event"`
	Code   json.Number `json:"code"`
	Msg    string      `json:"msg"`
	Action string      `json:"action"`
	Arg    arg         `json:"arg"`
	Data   []struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
		Ts   string     `json:"ts"`
	} `json:"data"`
}

// Parse decodes a books1 push. Pongs and subscribe events yield nil.
func (e *Exchange) Parse(raw []byte) (*models.Ticker, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("pong")) {
		return nil, nil
	}
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch msg.Event {
	case "":
	case "error":
		rate.ReportLimitFromMessage(logger.GetLogger(), name, "ws", e.cfg.LocalIP, msg.Msg)
		return nil, fmt.Errorf("bitget error %s: %s", msg.Code, msg.Msg)
	default:
		return nil, nil
	}
	if len(msg.Data) == 0 || msg.Arg.InstID == "" {
		return nil, nil
	}

	d := msg.Data[0]
	if len(d.Bids) == 0 || len(d.Asks) == 0 || len(d.Bids[0]) < 2 || len(d.Asks[0]) < 2 {
		return nil, nil
	}
	ts, err := reader.ParseMillis(d.Ts)
	if err != nil {
		return nil, fmt.Errorf("%s %s ts %q: %w", name, msg.Arg.InstID, d.Ts, err)
	}
	return reader.Quote(name, msg.Arg.InstID, d.Bids[0][0], d.Asks[0][0], d.Bids[0][1], d.Asks[0][1], ts)
}

type contractsResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Symbol         string `json:"symbol"`
		SymbolStatus   string `json:"symbolStatus"`
		MinTradeNum    string `json:"minTradeNum"`
		SizeMultiplier string `json:"sizeMultiplier"`
	} `json:"data"`
}

// ListInstruments returns the USDT-FUTURES contracts in normal status.
func (e *Exchange) ListInstruments(ctx context.Context) (map[string]models.InstrumentSpec, error) {
	base := strings.TrimRight(strings.TrimSpace(e.cfg.RestURL), "/")
	if base == "" {
		base = defaultRestURL
	}
	var resp contractsResponse
	if err := reader.GetJSON(ctx, name, e.cfg.LocalIP, base+"/api/v2/mix/market/contracts?productType="+instType, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "00000" {
		return nil, fmt.Errorf("bitget contracts: %s %s", resp.Code, resp.Msg)
	}
	out := make(map[string]models.InstrumentSpec, len(resp.Data))
	for _, c := range resp.Data {
		if c.SymbolStatus == "normal" {
			out[strings.ToUpper(c.Symbol)] = reader.Spec("1", c.MinTradeNum, c.SizeMultiplier)
		}
	}
	return out, nil
}
