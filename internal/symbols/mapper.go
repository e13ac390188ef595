package symbols

import (
	"strings"
	"time"
)

// Normalize maps an exchange instrument id to the canonical symbol used to
// line up the same contract across venues: uppercase, no separators, BTC
// instead of XBT, USDC linear perpetuals folded into USDT, and dated
// futures suffixed with YYMMDD.
//
//	okx      SOL-USDT-SWAP        -> SOLUSDT
//	okx      BTC-USDT-251226      -> BTCUSDT251226
//	bybit    BTCUSDT-26DEC25      -> BTCUSDT251226
//	binance  BTCUSDT_251226       -> BTCUSDT251226
//	deribit  SOL_USDC-PERPETUAL   -> SOLUSDT
//	deribit  BTC-26DEC25          -> BTCUSDT251226
//	kucoin   XBTUSDTM             -> BTCUSDT
func Normalize(exchange, instrument string) string {
	sym := strings.ToUpper(strings.TrimSpace(instrument))
	switch strings.ToLower(exchange) {
	case "binance":
		sym = strings.ReplaceAll(sym, "_", "")
	case "bybit":
		if base, expiry, ok := strings.Cut(sym, "-"); ok {
			sym = base + convertDate(expiry)
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "deribit":
		sym = normalizeDeribit(sym)
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
	default:
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.ReplaceAll(sym, "_", "")
	}

	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	// Bybit lists the 1000x SHIB contract with the multiplier after the base.
	if sym == "SHIB1000USDT" {
		sym = "1000SHIBUSDT"
	}
	return sym
}

func normalizeDeribit(sym string) string {
	if base, ok := strings.CutSuffix(sym, "_USDC-PERPETUAL"); ok {
		return base + "USDT"
	}
	if base, ok := strings.CutSuffix(sym, "-PERPETUAL"); ok {
		return base + "USD"
	}
	base, expiry, ok := strings.Cut(sym, "-")
	if !ok {
		return sym
	}
	return base + "USDT" + convertDate(expiry)
}

// convertDate turns an expiry such as 26DEC25 or 7NOV25 into 251226/251107.
// Unknown layouts are returned unchanged.
func convertDate(s string) string {
	t, err := time.Parse("2Jan06", s)
	if err != nil {
		return s
	}
	return t.Format("060102")
}
