// Package api serves the status endpoints: health, connector state, the
// price table, recent opportunities and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"arbflow/config"
	"arbflow/internal/health"
	"arbflow/internal/metrics"
	"arbflow/internal/pricetable"
	"arbflow/logger"
	"arbflow/models"
)

const historyLimit = 200

// Server hosts the gin status API. It also implements the publisher's sink
// interface so the latest opportunities can be served.
type Server struct {
	address       string
	log           *logger.Log
	health        *health.Monitor
	table         *pricetable.Table
	metrics       http.Handler
	metricStore   *metricStore
	opportunities *opportunityStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
	now           func() time.Time
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, monitor *health.Monitor, table *pricetable.Table, registry *metrics.Registry, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	s := &Server{
		address:       normalizeAddress(cfg.Address),
		log:           log,
		health:        monitor,
		table:         table,
		metricStore:   newRing[metrics.Metric](historyLimit),
		opportunities: newRing[models.Opportunity](historyLimit),
		now:           time.Now,
	}
	if registry != nil {
		s.metrics = registry.Handler()
	}
	s.metricHandler = metrics.RegisterMetricHandler(s.metricStore.add)
	return s
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer metrics.UnregisterMetricHandler(s.metricHandler)

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("api").WithField("address", s.address).Info("starting status api")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.address
}

func (s *Server) Name() string { return "api" }

func (s *Server) Handle(_ context.Context, opp models.Opportunity) error {
	s.opportunities.add(opp)
	return nil
}

func (s *Server) Close() error { return nil }

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/api/connectors", s.handleConnectors)
	router.GET("/api/prices", s.handlePrices)
	router.GET("/api/opportunities", s.handleOpportunities)
	router.GET("/api/metrics", s.handleMetricEvents)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}
	return router, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	statuses := s.health.Report(s.now())
	unhealthy := make([]string, 0)
	for _, st := range statuses {
		if !st.Healthy {
			unhealthy = append(unhealthy, st.Exchange)
		}
	}
	if health.Healthy(statuses) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connectors": len(statuses)})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "unhealthy": unhealthy})
}

func (s *Server) handleConnectors(c *gin.Context) {
	statuses := s.health.Report(s.now())
	payload := make([]gin.H, 0, len(statuses))
	for _, st := range statuses {
		item := gin.H{
			"exchange":           st.Exchange,
			"state":              st.State.String(),
			"healthy":            st.Healthy,
			"stale":              st.Stale,
			"seconds_since_last": st.SinceLast.Seconds(),
			"dropped":            st.Dropped,
			"parse_errors":       st.ParseErrors,
			"reconnects":         st.Reconnects,
			"queue_len":          st.QueueLen,
		}
		if !st.LastMessage.IsZero() {
			item["last_message"] = st.LastMessage.UTC().Format(time.RFC3339Nano)
		}
		payload = append(payload, item)
	}
	c.JSON(http.StatusOK, gin.H{"connectors": payload})
}

func (s *Server) handlePrices(c *gin.Context) {
	now := s.now()
	symbol := strings.ToUpper(c.Query("symbol"))
	payload := make([]gin.H, 0)
	for _, exchange := range s.table.Exchanges() {
		for _, sym := range s.table.Symbols(exchange) {
			if symbol != "" && sym != symbol {
				continue
			}
			e, ok := s.table.Get(exchange, sym)
			if !ok {
				continue
			}
			payload = append(payload, gin.H{
				"exchange":    exchange,
				"symbol":      sym,
				"instrument":  e.Ticker.Instrument,
				"bid":         e.Ticker.Bid.String(),
				"ask":         e.Ticker.Ask.String(),
				"timestamp":   e.Ticker.Timestamp.UTC().Format(time.RFC3339Nano),
				"age_seconds": e.Age(now).Seconds(),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"prices": payload})
}

func (s *Server) handleOpportunities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"opportunities": s.opportunities.snapshot()})
}

func (s *Server) handleMetricEvents(c *gin.Context) {
	events := s.metricStore.snapshot()
	if exchange := c.Query("exchange"); exchange != "" {
		filtered := events[:0]
		for _, m := range events {
			if m.Exchange() == exchange {
				filtered = append(filtered, m)
			}
		}
		events = filtered
	}
	c.JSON(http.StatusOK, gin.H{"metrics": events})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
