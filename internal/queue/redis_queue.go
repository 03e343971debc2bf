package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/core"
)

var (
	// ErrEmpty is returned by Consume when the network has nothing to deliver.
	ErrEmpty = errors.New("queue empty")
	// ErrDiscard is returned by a handler for a message that must be acked
	// without having been processed, such as a duplicate delivery.
	ErrDiscard = errors.New("message discarded")
)

// maxSkips bounds how many dead-lettered messages one Consume call steps over.
const maxSkips = 16

type Config struct {
	Prefix        string
	Group         string
	ClaimIdle     time.Duration
	MaxDeliveries int64
}

// RedisQueue is a per-network lease channel on Redis Streams with one
// consumer group. Messages stay pending until the handler succeeds.
type RedisQueue struct {
	client        *redis.Client
	logger        *zap.Logger
	prefix        string
	group         string
	consumer      string
	claimIdle     time.Duration
	maxDeliveries int64

	mu      sync.Mutex
	ensured map[string]bool
}

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisQueue(client *redis.Client, cfg Config, logger *zap.Logger) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "leases:v1:"
	}
	if cfg.Group == "" {
		cfg.Group = "credentials-manager"
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 5
	}

	return &RedisQueue{
		client:        client,
		logger:        logger,
		prefix:        cfg.Prefix,
		group:         cfg.Group,
		consumer:      fmt.Sprintf("credman-%s", uuid.New().String()[:8]),
		claimIdle:     cfg.ClaimIdle,
		maxDeliveries: cfg.MaxDeliveries,
		ensured:       make(map[string]bool),
	}
}

func (q *RedisQueue) Consumer() string {
	return q.consumer
}

func (q *RedisQueue) streamKey(network string) string {
	return q.prefix + network
}

func (q *RedisQueue) dlqKey(network string) string {
	return q.prefix + "dlq:" + network
}

// ensureGroup declares the stream and its consumer group once per process.
func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ensured[stream] {
		return nil
	}

	err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create consumer group for %s: %v", core.ErrChannelUnavailable, stream, err)
	}

	q.ensured[stream] = true
	return nil
}

// forget drops the cached group declaration after the broker lost the stream.
func (q *RedisQueue) forget(stream string) {
	q.mu.Lock()
	delete(q.ensured, stream)
	q.mu.Unlock()
}

func (q *RedisQueue) Publish(ctx context.Context, network string, payload []byte) error {
	stream := q.streamKey(network)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}

	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"payload":      string(payload),
			"published_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", core.ErrChannelUnavailable, stream, err)
	}

	return nil
}

// Consume hands at most one message of the network to handle without
// blocking. The message is acked when handle returns nil or ErrDiscard;
// any other error leaves it pending for redelivery.
func (q *RedisQueue) Consume(ctx context.Context, network string, handle func(ctx context.Context, body []byte) error) error {
	stream := q.streamKey(network)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}

	for i := 0; i < maxSkips; i++ {
		msg, err := q.next(ctx, stream)
		if err != nil {
			return err
		}
		if msg == nil {
			return ErrEmpty
		}

		deliveries, err := q.deliveryCount(ctx, stream, msg.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrChannelUnavailable, err)
		}
		if deliveries > q.maxDeliveries {
			if err := q.deadLetter(ctx, network, msg, deliveries); err != nil {
				return err
			}
			continue
		}

		payload, _ := msg.Values["payload"].(string)
		handleErr := handle(ctx, []byte(payload))
		if handleErr != nil && !errors.Is(handleErr, ErrDiscard) {
			return fmt.Errorf("handle message %s: %w", msg.ID, handleErr)
		}

		if err := q.ack(ctx, stream, msg.ID); err != nil {
			return err
		}
		return handleErr
	}

	return ErrEmpty
}

// next reclaims a message left pending by a dead consumer, or reads a new one.
func (q *RedisQueue) next(ctx context.Context, stream string) (*redis.XMessage, error) {
	if q.claimIdle > 0 {
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("%w: claim from %s: %v", core.ErrChannelUnavailable, stream, err)
		}
		if len(claimed) > 0 {
			return &claimed[0], nil
		}
	}

	// A negative Block omits BLOCK so the read returns immediately.
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			q.forget(stream)
		}
		return nil, fmt.Errorf("%w: read from %s: %v", core.ErrChannelUnavailable, stream, err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return &streams[0].Messages[0], nil
}

func (q *RedisQueue) deliveryCount(ctx context.Context, stream, id string) (int64, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

func (q *RedisQueue) ack(ctx context.Context, stream, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, q.group, id)
		pipe.XDel(ctx, stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: ack %s: %v", core.ErrChannelUnavailable, id, err)
	}
	return nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, network string, msg *redis.XMessage, deliveries int64) error {
	payload, _ := msg.Values["payload"].(string)

	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.dlqKey(network),
		Values: map[string]interface{}{
			"original_message_id": msg.ID,
			"original_queue":      q.streamKey(network),
			"reason":              fmt.Sprintf("delivered %d times", deliveries),
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"consumer":            q.consumer,
			"payload":             payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: dead-letter %s: %v", core.ErrChannelUnavailable, msg.ID, err)
	}

	q.logger.Warn("Message moved to dead letter queue",
		zap.String("network", network),
		zap.String("message_id", msg.ID),
		zap.Int64("deliveries", deliveries))

	return q.ack(ctx, q.streamKey(network), msg.ID)
}

// Length returns the number of messages still in the network's stream.
func (q *RedisQueue) Length(ctx context.Context, network string) (int64, error) {
	return q.client.XLen(ctx, q.streamKey(network)).Result()
}

// DeadLetterLength returns the number of dead-lettered messages of the network.
func (q *RedisQueue) DeadLetterLength(ctx context.Context, network string) (int64, error) {
	return q.client.XLen(ctx, q.dlqKey(network)).Result()
}
