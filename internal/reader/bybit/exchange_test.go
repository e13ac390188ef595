package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbflow/config"
)

func TestParseSnapshotThenDelta(t *testing.T) {
	ex := New(config.ExchangeConfig{Name: "bybit"})

	snap := []byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1672304484978,"data":{"s":"BTCUSDT","b":[["16493.50","0.006"]],"a":[["16611.00","0.029"]],"u":1,"seq":100}}`)
	tk, err := ex.Parse(snap)
	require.NoError(t, err)
	require.NotNil(t, tk)
	assert.Equal(t, "BTCUSDT", tk.Symbol)
	assert.Equal(t, "16493.5", tk.Bid.String())
	assert.Equal(t, "16611", tk.Ask.String())
	assert.Equal(t, int64(1672304484978), tk.Timestamp.UnixMilli())

	// Only the ask moved; the bid is carried over from the snapshot.
	delta := []byte(`{"topic":"orderbook.1.BTCUSDT","type":"delta","ts":1672304485000,"data":{"s":"BTCUSDT","b":[],"a":[["16611.00","0"],["16600.50","1.5"]],"u":2,"seq":101}}`)
	tk, err = ex.Parse(delta)
	require.NoError(t, err)
	require.NotNil(t, tk)
	assert.Equal(t, "16493.5", tk.Bid.String())
	assert.Equal(t, "16600.5", tk.Ask.String())
	assert.Equal(t, "1.5", tk.AskQty.String())
}

func TestParseWithoutBothSides(t *testing.T) {
	ex := New(config.ExchangeConfig{Name: "bybit"})

	tk, err := ex.Parse([]byte(`{"topic":"orderbook.1.ETHUSDT","type":"delta","ts":1,"data":{"s":"ETHUSDT","b":[["1800","2"]],"a":[]}}`))
	assert.NoError(t, err)
	assert.Nil(t, tk)
}

func TestParseOpResponses(t *testing.T) {
	ex := New(config.ExchangeConfig{Name: "bybit"})

	tk, err := ex.Parse([]byte(`{"success":true,"ret_msg":"pong","conn_id":"x","op":"ping"}`))
	assert.NoError(t, err)
	assert.Nil(t, tk)

	_, err = ex.Parse([]byte(`{"success":false,"ret_msg":"error:handler not found","conn_id":"x","op":"subscribe"}`))
	assert.Error(t, err)

	_, err = ex.Parse([]byte(`{`))
	assert.Error(t, err)
}

func TestConnectResetsBooks(t *testing.T) {
	ex := New(config.ExchangeConfig{Name: "bybit", URL: "ws://127.0.0.1:1"})
	_, err := ex.Parse([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT","b":[["1","1"]],"a":[["2","1"]]}}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = ex.Connect(ctx)

	tk, err := ex.Parse([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"delta","ts":2,"data":{"s":"BTCUSDT","b":[["1.5","1"]],"a":[]}}`))
	assert.NoError(t, err)
	assert.Nil(t, tk, "book state must not survive a reconnect")
}

func TestListInstruments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/instruments-info", r.URL.Path)
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[{"symbol":"BTCUSDT","status":"Trading","lotSizeFilter":{"maxOrderQty":"1190","minOrderQty":"0.001","qtyStep":"0.001"}},{"symbol":"OLDUSDT","status":"Closed"}]},"time":1}`))
	}))
	defer srv.Close()

	ex := New(config.ExchangeConfig{Name: "bybit", RestURL: srv.URL})
	listed, err := ex.ListInstruments(context.Background())
	require.NoError(t, err)
	require.Contains(t, listed, "BTCUSDT")
	assert.NotContains(t, listed, "OLDUSDT")
	assert.Equal(t, "0.001", listed["BTCUSDT"].MinQty.String())
	assert.Equal(t, "0.001", listed["BTCUSDT"].QtyStep.String())
}
