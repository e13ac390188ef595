package bybit

type request struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type orderbookMessage struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`

	Topic string `json:"topic"`
	Type  string `json:"type"`
	Ts    int64  `json:"ts"`
	Data  struct {
		Symbol   string     `json:"s"`
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		UpdateID int64      `json:"u"`
		Seq      int64      `json:"seq"`
	} `json:"data"`
}

type instrumentsResult struct {
	Category string `json:"category"`
	List     []struct {
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		LotSizeFilter struct {
			MinOrderQty string `json:"minOrderQty"`
			QtyStep     string `json:"qtyStep"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type level struct {
	price string
	qty   string
}

// apply folds one side of an orderbook.1 update into the level. A zero
// size removes the level it names.
func (l *level) apply(updates [][]string) {
	for _, u := range updates {
		if len(u) < 2 {
			continue
		}
		if isZero(u[1]) {
			if u[0] == l.price {
				*l = level{}
			}
			continue
		}
		l.price, l.qty = u[0], u[1]
	}
}

type top struct {
	bid level
	ask level
}

func isZero(s string) bool {
	for _, c := range s {
		if c != '0' && c != '.' {
			return false
		}
	}
	return true
}
