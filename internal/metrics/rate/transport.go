package rate

import (
	"net"
	"net/http"
	"time"

	"arbflow/logger"
)

// Transport sets a User-Agent on every request and reports the quota
// headers and rate-limit statuses of every response.
type Transport struct {
	Exchange string
	Agent    string
	IP       string
	Base     http.RoundTripper
	Log      *logger.Log
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Agent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.Agent)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		ReportRateLimitExceeded(t.Log, t.Exchange, "rest", t.IP)
	case http.StatusTeapot, http.StatusForbidden:
		// 418 is Binance's ban status; others ban with 403.
		ReportIPBan(t.Log, t.Exchange, "rest", t.IP)
	}
	if u, ok := ParseUsage(t.Exchange, resp.Header); ok {
		ReportUsage(t.Log, t.Exchange, t.IP, u)
	}
	return resp, nil
}

// NewHTTPClient returns a client whose requests leave from localIP when set
// and pass through a reporting Transport.
func NewHTTPClient(exchange, localIP string, timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if localIP != "" {
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			LocalAddr: &net.TCPAddr{IP: net.ParseIP(localIP)},
		}
		base.DialContext = dialer.DialContext
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &Transport{
			Exchange: exchange,
			Agent:    "arbflow/1.0",
			IP:       localIP,
			Base:     base,
			Log:      logger.GetLogger(),
		},
	}
}
