package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

// NATSSink publishes opportunities on <subject>.<symbol>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(cfg config.NATSConfig) (*NATSSink, error) {
	log := logger.GetLogger().WithComponent("nats_sink")
	opts := []nats.Option{
		nats.Name("arbflow"),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{nc: nc, subject: cfg.Subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Handle(_ context.Context, opp models.Opportunity) error {
	data, err := encode(opp)
	if err != nil {
		return fmt.Errorf("marshal opportunity: %w", err)
	}
	return s.nc.Publish(s.subject+"."+opp.Symbol, data)
}

func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
