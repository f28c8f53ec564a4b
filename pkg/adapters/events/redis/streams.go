// Package redis provides an EventBus backed by Redis Streams, for
// deployments where progress subscribers live on other nodes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/domain"
	"github.com/errandlabs/errand/internal/ports"
)

// StreamsBus implements EventBus on Redis Streams. Every subscription
// reads through its own consumer group, so each subscriber receives
// every event published after it joined; the stream is a broadcast
// feed, not a work queue. Delivery is at-least-once; subscribers must
// tolerate duplicates.
type StreamsBus struct {
	client      *redis.Client
	logger      *zap.Logger
	groupPrefix string
	consumer    string
}

// NewStreamsBus creates a Redis Streams event bus. groupPrefix scopes
// this deployment's consumer groups; consumer names this process.
func NewStreamsBus(client *redis.Client, groupPrefix, consumer string, logger *zap.Logger) *StreamsBus {
	return &StreamsBus{
		client:      client,
		logger:      logger,
		groupPrefix: groupPrefix,
		consumer:    consumer,
	}
}

// Publish appends the event to the topic's stream.
func (b *StreamsBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	streamKey := streamKey(topic)
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", streamKey, err)
	}

	b.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("stream", streamKey))
	return nil
}

// Subscribe creates a dedicated consumer group starting at the stream
// tail and reads it until ctx is cancelled. The group is destroyed on
// unsubscribe so short-lived progress subscriptions leave nothing
// behind.
func (b *StreamsBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := streamKey(topic)
	group := fmt.Sprintf("%s-%s", b.groupPrefix, uuid.New().String())

	if err := b.client.XGroupCreateMkStream(ctx, streamKey, group, "$").Err(); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	b.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("consumer_group", group),
		zap.String("consumer", b.consumer))

	go b.readStream(ctx, streamKey, group, handler)
	go func() {
		<-ctx.Done()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.client.XGroupDestroy(cleanupCtx, streamKey, group).Err(); err != nil {
			b.logger.Warn("failed to destroy consumer group",
				zap.String("stream", streamKey),
				zap.String("consumer_group", group),
				zap.Error(err))
		}
	}()
	return nil
}

func (b *StreamsBus) readStream(ctx context.Context, streamKey, group string, handler ports.EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: b.consumer,
				Streams:  []string{streamKey, ">"},
				Count:    10,
				Block:    time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				b.logger.Error("failed to read from stream",
					zap.String("stream", streamKey),
					zap.Error(err))
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					b.processMessage(ctx, streamKey, group, message, handler)
				}
			}
		}
	}
}

func (b *StreamsBus) processMessage(ctx context.Context, streamKey, group string, message redis.XMessage, handler ports.EventHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		b.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return
	}

	var event domain.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		b.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		b.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := b.client.XAck(ctx, streamKey, group, message.ID).Err(); err != nil {
		b.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *StreamsBus) Close() error {
	return nil
}

func streamKey(topic string) string {
	return fmt.Sprintf("errand:events:%s", topic)
}
