package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/interfaces"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/metrics"
)

// broadcastEnvelope message published by Laravel's redis broadcaster
type broadcastEnvelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Socket *string         `json:"socket,omitempty"`
}

// RedisSource subscribes to status events published on Redis pub/sub
type RedisSource struct {
	client *redis.Client
	prefix string
	dispatcher

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisSource creates a Redis pub/sub event source.
// Topics are mapped to channel prefix+topic.
func NewRedisSource(client *redis.Client, prefix string, m *metrics.Metrics) *RedisSource {
	return &RedisSource{
		client:     client,
		prefix:     prefix,
		dispatcher: dispatcher{metrics: m, now: time.Now},
		subs:       make(map[string]*redisSubscription),
	}
}

// Subscribe joins the Redis channel of topic
func (s *RedisSource) Subscribe(ctx context.Context, topic string, handler interfaces.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[topic]; ok {
		return &fleet.SubscriptionError{Topic: topic, Err: fmt.Errorf("already subscribed")}
	}

	channel := s.prefix + topic
	pubsub := s.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so failures surface here
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return &fleet.SubscriptionError{Topic: topic, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	s.subs[topic] = sub

	go s.consume(runCtx, topic, sub, handler)

	logger.InfoCtx(ctx, "Subscribed to redis channel %s", channel)
	s.metrics.SetStreamConnected(true)
	return nil
}

func (s *RedisSource) consume(ctx context.Context, topic string, sub *redisSubscription, handler interfaces.EventHandler) {
	defer close(sub.done)

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var envelope broadcastEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				logger.WarnCtx(ctx, "Dropping undecodable broadcast on %s: %v", msg.Channel, err)
				s.metrics.RecordDropped(metrics.DropMalformed)
				continue
			}
			s.dispatch(topic, envelope.Event, envelope.Data, handler)
		}
	}
}

// Unsubscribe leaves the Redis channel of topic
func (s *RedisSource) Unsubscribe(topic string) error {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	delete(s.subs, topic)
	remaining := len(s.subs)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if remaining == 0 {
		s.metrics.SetStreamConnected(false)
	}
	return s.stop(sub)
}

func (s *RedisSource) stop(sub *redisSubscription) error {
	sub.cancel()
	err := sub.pubsub.Close()
	<-sub.done
	return err
}

// Close leaves every channel. The Redis client is owned by the caller.
func (s *RedisSource) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*redisSubscription)
	s.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := s.stop(sub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.metrics.SetStreamConnected(false)
	return firstErr
}
