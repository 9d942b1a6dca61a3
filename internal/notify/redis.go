package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"flowguard/internal/config"
	"flowguard/internal/metrics"
	"flowguard/internal/model"
)

const redisTimeout = 2 * time.Second

type redisEvent struct {
	event  string
	msg    []byte
	key    string
	latest []byte
}

// RedisSink publishes every event on a channel and mirrors the latest reading per serial.
// Emit only queues; Run does the network round trips.
type RedisSink struct {
	client  *redis.Client
	logger  *slog.Logger
	channel string
	prefix  string
	ttl     time.Duration
	queue   chan redisEvent
}

func NewRedisSink(cfg config.RedisConfig, logger *slog.Logger) *RedisSink {
	return NewRedisSinkFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg, logger)
}

func NewRedisSinkFromClient(client *redis.Client, cfg config.RedisConfig, logger *slog.Logger) *RedisSink {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisSink{
		client:  client,
		logger:  logger,
		channel: cfg.Channel,
		prefix:  cfg.LatestPrefix,
		ttl:     cfg.LatestTTL,
		queue:   make(chan redisEvent, buffer),
	}
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Emit queues the event without blocking and returns ErrDropped when the queue is full.
func (s *RedisSink) Emit(event string, payload any) error {
	msg, err := Encode(event, payload)
	if err != nil {
		return err
	}
	ev := redisEvent{event: event, msg: msg}
	if r, ok := payload.(model.Reading); ok && event == EventData && s.prefix != "" {
		serial := r.Serial
		if serial == "" {
			serial = "UNKNOWN"
		}
		if ev.latest, err = json.Marshal(r); err != nil {
			return err
		}
		ev.key = s.prefix + serial
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return ErrDropped
	}
}

// Run delivers queued events until ctx is cancelled.
func (s *RedisSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			if err := s.deliver(ctx, ev); err != nil {
				metrics.NotificationErrors.WithLabelValues("redis_" + ev.event).Inc()
				if s.logger != nil && ctx.Err() == nil {
					s.logger.Warn("redis notification failed", "event", ev.event, "err", err)
				}
			}
		}
	}
}

func (s *RedisSink) deliver(ctx context.Context, ev redisEvent) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	var errs []error
	if err := s.client.Publish(ctx, s.channel, ev.msg).Err(); err != nil {
		errs = append(errs, err)
	}
	if ev.key != "" {
		if err := s.client.Set(ctx, ev.key, ev.latest, s.ttl).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Latest reads back the mirrored reading for serial.
func (s *RedisSink) Latest(ctx context.Context, serial string) (model.Reading, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+serial).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Reading{}, false, nil
	}
	if err != nil {
		return model.Reading{}, false, err
	}
	var r model.Reading
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Reading{}, false, err
	}
	return r, true, nil
}
