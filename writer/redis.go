package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"arbflow/config"
	"arbflow/internal/pricetable"
	"arbflow/logger"
	"arbflow/models"
)

const priceKeyPrefix = "arbflow:prices:"

// PriceSource returns the current price table contents.
type PriceSource func() map[string]map[string]pricetable.Entry

// RedisSink publishes opportunities on a pub/sub channel and, with a price
// source, mirrors the latest quotes into one hash per symbol on every
// flush.
type RedisSink struct {
	client  *redis.Client
	channel string
	prices  PriceSource
	every   time.Duration
	log     *logger.Entry
}

func NewRedisSink(cfg config.RedisConfig, prices PriceSource, mirrorEvery time.Duration) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := &RedisSink{
		client:  client,
		channel: cfg.Channel,
		log:     logger.GetLogger().WithComponent("redis_sink"),
	}
	if cfg.MirrorPrice && prices != nil {
		s.prices = prices
		s.every = mirrorEvery
	}
	s.log.WithFields(logger.Fields{
		"addr":          cfg.Addr,
		"channel":       cfg.Channel,
		"mirror_prices": s.prices != nil,
	}).Debug("redis sink initialized")
	return s
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Handle(ctx context.Context, opp models.Opportunity) error {
	data, err := encode(opp)
	if err != nil {
		return fmt.Errorf("marshal opportunity: %w", err)
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

func (s *RedisSink) FlushInterval() time.Duration { return s.every }

// Flush writes the mirrored prices in one pipeline.
func (s *RedisSink) Flush(ctx context.Context) error {
	if s.prices == nil {
		return nil
	}
	snap := s.prices()
	if len(snap) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for exchange, bySymbol := range snap {
		for symbol, e := range bySymbol {
			value, err := encodeEntry(e)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, priceKeyPrefix+symbol, exchange, value)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror prices: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error { return s.client.Close() }

type mirroredPrice struct {
	Bid        string    `json:"bid"`
	Ask        string    `json:"ask"`
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

func encodeEntry(e pricetable.Entry) (string, error) {
	b, err := json.Marshal(mirroredPrice{
		Bid:        e.Ticker.Bid.String(),
		Ask:        e.Ticker.Ask.String(),
		Instrument: e.Ticker.Instrument,
		Timestamp:  e.Ticker.Timestamp,
		ReceivedAt: e.ReceivedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal price: %w", err)
	}
	return string(b), nil
}
