package reader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMillis(t *testing.T) {
	ts, err := ParseMillis("1670324386802")
	require.NoError(t, err)
	assert.Equal(t, int64(1670324386802), ts.UnixMilli())

	ts, err = ParseMillis("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	_, err = ParseMillis("1670324386.802")
	assert.Error(t, err)
}

func TestQuoteRejectsBadPrice(t *testing.T) {
	_, err := Quote("okx", "BTC-USDT-SWAP", "abc", "101", "", "", Millis(0))
	assert.Error(t, err)

	tk, err := Quote("okx", "BTC-USDT-SWAP", "100", "101", "", "2", Millis(0))
	require.NoError(t, err)
	assert.True(t, tk.BidQty.IsZero())
	assert.Equal(t, "2", tk.AskQty.String())
	assert.False(t, tk.Timestamp.IsZero())
}
