// Package reader holds the websocket plumbing shared by the exchange
// adapters in its subpackages.
package reader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arbflow/internal/connector"
	"arbflow/internal/metrics/rate"
	"arbflow/logger"
)

const (
	defaultKeepAlive   = 20 * time.Second
	defaultReadTimeout = 60 * time.Second
	handshakeTimeout   = 10 * time.Second
	writeTimeout       = 5 * time.Second
)

var ErrNotConnected = errors.New("websocket not connected")

// Keepalive builds the application-level ping frame a venue expects. A nil
// Keepalive sends websocket ping control frames.
type Keepalive func() (messageType int, data []byte)

// TextPing is the plain "ping" text frame OKX and Bitget expect.
func TextPing() (int, []byte) { return websocket.TextMessage, []byte("ping") }

// Stream is one gorilla websocket session. Connect dials, the adapter
// writes its subscription, and ReadLoop pumps frames until the connection
// fails or ctx ends.
type Stream struct {
	Exchange    string
	URL         string
	LocalIP     string
	KeepAlive   time.Duration
	Ping        Keepalive
	ReadTimeout time.Duration
	Tracker     *rate.WSTracker

	log     *logger.Entry
	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
}

func NewStream(exchange, url, localIP string) *Stream {
	return &Stream{
		Exchange:    exchange,
		URL:         url,
		LocalIP:     localIP,
		KeepAlive:   defaultKeepAlive,
		ReadTimeout: defaultReadTimeout,
		Tracker:     rate.NewWSTracker(exchange),
		log:         logger.GetLogger().WithComponent(exchange + "_stream"),
	}
}

func (s *Stream) dialer() *websocket.Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if s.LocalIP != "" {
		if ip := net.ParseIP(s.LocalIP); ip != nil {
			d.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	return d
}

// Connect dials the endpoint, replacing any previous connection.
func (s *Stream) Connect(ctx context.Context) error {
	s.Close()
	s.Tracker.RegisterConnectionAttempt()

	conn, resp, err := s.dialer().DialContext(ctx, s.URL, nil)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusTooManyRequests {
				rate.ReportRateLimitExceeded(logger.GetLogger(), s.Exchange, "ws", s.LocalIP)
			}
			return fmt.Errorf("dial %s: %w (status %d)", s.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", s.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"url": s.URL, "local_ip": s.LocalIP}).Debug("websocket connected")
	return nil
}

func (s *Stream) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// WriteJSON sends v as a text frame. Writes are serialized with the
// keepalive loop.
func (s *Stream) WriteJSON(v interface{}) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return err
	}
	s.Tracker.RegisterOutgoing(1)
	return nil
}

func (s *Stream) writeMessage(messageType int, data []byte) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if messageType == websocket.PingMessage {
		return conn.WriteControl(websocket.PingMessage, data, time.Now().Add(writeTimeout))
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	s.Tracker.RegisterOutgoing(1)
	return nil
}

// ReadLoop delivers every data frame to emit until the connection fails.
// Cancelling ctx closes the connection, which unblocks the read.
func (s *Stream) ReadLoop(ctx context.Context, emit connector.Emit) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-loopCtx.Done()
		if ctx.Err() != nil {
			conn.Close()
		}
	}()
	go s.keepAlive(loopCtx, cancel)

	readTimeout := s.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		emit(msg)
	}
}

func (s *Stream) keepAlive(ctx context.Context, fail context.CancelFunc) {
	interval := s.KeepAlive
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messageType, data := websocket.PingMessage, []byte(nil)
			if s.Ping != nil {
				messageType, data = s.Ping()
			}
			if err := s.writeMessage(messageType, data); err != nil {
				s.log.WithError(err).Warn("failed to send websocket ping")
				if conn := s.current(); conn != nil {
					conn.Close()
				}
				fail()
				return
			}
		}
	}
}

// Close sends a close frame and drops the connection. It is safe to call
// repeatedly.
func (s *Stream) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()

	s.Tracker.Report(logger.GetLogger(), s.LocalIP)
	return conn.Close()
}
