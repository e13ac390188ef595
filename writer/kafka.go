package writer

import (
	"context"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

// KafkaSink produces each opportunity to a topic keyed by route, so one
// route's history stays in one partition.
type KafkaSink struct {
	writer *kafka.Writer
	log    *logger.Entry
}

func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	s := &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
		},
		log: logger.GetLogger().WithComponent("kafka_sink"),
	}
	s.log.WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka sink initialized")
	return s, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Handle(ctx context.Context, opp models.Opportunity) error {
	data, err := encode(opp)
	if err != nil {
		return fmt.Errorf("marshal opportunity: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(opp.RouteKey()),
		Value: data,
		Time:  opp.DetectedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.log.Debug("closing kafka sink")
	return s.writer.Close()
}
