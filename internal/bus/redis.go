package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"broker-resilience/config"
)

// RedisBus is a redis pub/sub backed Bus connecting all instances.
type RedisBus struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	prefix   string
	logger   zerolog.Logger
	mu       sync.RWMutex
	handlers map[string][]Handler
	cancel   context.CancelFunc
}

// wireMessage is the on-the-wire envelope.
type wireMessage struct {
	Topic     string                 `json:"topic"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp string                 `json:"timestamp"`
}

// NewRedisBus connects to redis and starts the subscriber loop.
func NewRedisBus(cfg config.RedisConfig, keyPrefix string, logger zerolog.Logger) (*RedisBus, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis bus connection failed: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	rb := &RedisBus{
		client:   client,
		pubsub:   client.Subscribe(runCtx),
		prefix:   keyPrefix,
		logger:   logger.With().Str("component", "RedisBus").Logger(),
		handlers: make(map[string][]Handler),
		cancel:   runCancel,
	}

	go rb.readLoop(runCtx)

	rb.logger.Info().Str("address", cfg.Address).Msg("Redis bus connected")
	return rb, nil
}

func (rb *RedisBus) channel(topic string) string {
	if rb.prefix == "" {
		return "bus:" + topic
	}
	return rb.prefix + ":bus:" + topic
}

func (rb *RedisBus) topicFromChannel(channel string) string {
	sep := ":bus:"
	if rb.prefix == "" {
		sep = "bus:"
	}
	for i := 0; i+len(sep) <= len(channel); i++ {
		if channel[i:i+len(sep)] == sep {
			return channel[i+len(sep):]
		}
	}
	return channel
}

// Subscribe registers a handler and joins the topic's redis channel.
func (rb *RedisBus) Subscribe(topic string, handler Handler) {
	rb.mu.Lock()
	first := len(rb.handlers[topic]) == 0
	rb.handlers[topic] = append(rb.handlers[topic], handler)
	rb.mu.Unlock()

	if first {
		if err := rb.pubsub.Subscribe(context.Background(), rb.channel(topic)); err != nil {
			rb.logger.Error().Err(err).Str("topic", topic).Msg("Redis subscribe failed")
		}
	}
}

// Publish sends the payload to the topic's redis channel.
func (rb *RedisBus) Publish(ctx context.Context, topic string, payload map[string]interface{}) error {
	data, err := json.Marshal(wireMessage{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}

	if err := rb.client.Publish(ctx, rb.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// readLoop consumes the pubsub channel and fans messages out to handlers.
func (rb *RedisBus) readLoop(ctx context.Context) {
	ch := rb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			rb.dispatch(msg)
		}
	}
}

func (rb *RedisBus) dispatch(msg *redis.Message) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
		rb.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed bus message")
		return
	}

	topic := wire.Topic
	if topic == "" {
		topic = rb.topicFromChannel(msg.Channel)
	}

	ts, err := time.Parse(time.RFC3339, wire.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	rb.mu.RLock()
	handlers := make([]Handler, len(rb.handlers[topic]))
	copy(handlers, rb.handlers[topic])
	rb.mu.RUnlock()

	out := Message{Topic: topic, Payload: wire.Payload, Timestamp: ts}
	for _, h := range handlers {
		go h(out)
	}
}

// Close stops the subscriber loop and releases the connection.
func (rb *RedisBus) Close() error {
	rb.cancel()
	if err := rb.pubsub.Close(); err != nil {
		rb.client.Close()
		return err
	}
	return rb.client.Close()
}
