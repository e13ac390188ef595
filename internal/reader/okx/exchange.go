// Package okx streams perpetual swap best bid/ask from the OKX v5 public
// bbo-tbt channel.
package okx

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
	name           = "okx"
	defaultURL     = "wss://ws.okx.com:8443/ws/v5/public"
	defaultRestURL = "https://www.okx.com"
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
	// OKX drops connections idle for 30s.
	s.KeepAlive = 25 * time.Second
	s.Ping = reader.TextPing
	return &Exchange{cfg: cfg, stream: s}
}

func (e *Exchange) Name() string { return name }

func (e *Exchange) Connect(ctx context.Context) error { return e.stream.Connect(ctx) }

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

func (e *Exchange) Subscribe(_ context.Context, instruments []string, _ connector.Emit) error {
	args := make([]arg, 0, len(instruments))
	for _, inst := range instruments {
		args = append(args, arg{Channel: "bbo-tbt", InstID: strings.ToUpper(inst)})
	}
	if err := e.stream.WriteJSON(request{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("subscribe bbo-tbt: %w", err)
	}
	return nil
}

func (e *Exchange) MessageLoop(ctx context.Context, emit connector.Emit) error {
	return e.stream.ReadLoop(ctx, emit)
}

func (e *Exchange) Disconnect() error { return e.stream.Close() }

type message struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   arg    `json:"arg"`
	Data  []struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
		Ts   string     `json:"ts"`
	} `json:"data"`
}

// Parse decodes a bbo-tbt push. Pongs and subscribe events yield nil.
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
		return nil, fmt.Errorf("okx error %s: %s", msg.Code, msg.Msg)
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

type instrumentsResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID string `json:"instId"`
		State  string `json:"state"`
		CtVal  string `json:"ctVal"`
		CtType string `json:"ctType"`
		MinSz  string `json:"minSz"`
		LotSz  string `json:"lotSz"`
	} `json:"data"`
}

// ListInstruments returns the live SWAP and FUTURES instruments. Books are
// quoted in contracts, so linear bounds are converted to base currency.
// Inverse contracts are valued in USD and carry no base bounds.
func (e *Exchange) ListInstruments(ctx context.Context) (map[string]models.InstrumentSpec, error) {
	base := strings.TrimRight(strings.TrimSpace(e.cfg.RestURL), "/")
	if base == "" {
		base = defaultRestURL
	}
	out := make(map[string]models.InstrumentSpec)
	for _, instType := range []string{"SWAP", "FUTURES"} {
		var resp instrumentsResponse
		if err := reader.GetJSON(ctx, name, e.cfg.LocalIP, base+"/api/v5/public/instruments?instType="+instType, &resp); err != nil {
			return nil, err
		}
		if resp.Code != "0" {
			return nil, fmt.Errorf("okx instruments %s: %s %s", instType, resp.Code, resp.Msg)
		}
		for _, inst := range resp.Data {
			if inst.State != "live" {
				continue
			}
			spec := reader.Spec(inst.CtVal, "", "")
			if inst.CtType == "inverse" {
				spec.QuoteSized = true
			} else {
				lots := reader.Spec("", inst.MinSz, inst.LotSz)
				spec.MinQty = lots.MinQty.Mul(spec.ContractSize)
				spec.QtyStep = lots.QtyStep.Mul(spec.ContractSize)
			}
			out[strings.ToUpper(inst.InstID)] = spec
		}
	}
	return out, nil
}
