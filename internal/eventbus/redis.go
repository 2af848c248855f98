package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "session:"
	globalChannel  = "session:_global"
	publishTimeout = 5 * time.Second
)

// RedisMirror republishes bus events to Redis so other coordinator instances
// (and out-of-process observers) can follow them. It implements Mirror.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisMirror creates a Redis event mirror.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, logger: logger}
}

// MirrorEvent publishes the event to the session's channel and the global
// channel.
func (r *RedisMirror) MirrorEvent(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if ev.SessionID != "" {
		if err := r.client.Publish(ctx, channelPrefix+ev.SessionID, body).Err(); err != nil {
			return fmt.Errorf("publish session channel: %w", err)
		}
	}
	if err := r.client.Publish(ctx, globalChannel, body).Err(); err != nil {
		return fmt.Errorf("publish global channel: %w", err)
	}
	return nil
}

// SubscribeSession follows a session's mirrored events on Redis and invokes
// handler for each one. Returns a cancel function stopping the subscription.
func (r *RedisMirror) SubscribeSession(sessionID string, handler func(Event)) (func(), error) {
	return r.subscribe(channelPrefix+sessionID, handler)
}

// SubscribeGlobal follows all mirrored events.
func (r *RedisMirror) SubscribeGlobal(handler func(Event)) (func(), error) {
	return r.subscribe(globalChannel, handler)
}

func (r *RedisMirror) subscribe(channel string, handler func(Event)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("invalid mirrored event", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
	}()
	return cancel, nil
}
