package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/core"
)

// setupMiniredis starts a miniredis instance and returns a queue bound to it.
func setupMiniredis(t *testing.T, cfg Config) (*miniredis.Miniredis, *RedisQueue, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return mr, NewRedisQueue(client, cfg, zap.NewNop()), client
}

func TestRedisQueue_PublishConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("empty network returns ErrEmpty", func(t *testing.T) {
		// Arrange
		_, sut, _ := setupMiniredis(t, Config{})

		// Act
		err := sut.Consume(ctx, "vk", func(context.Context, []byte) error {
			t.Fatal("handler must not run")
			return nil
		})

		// Assert
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("message is delivered once and acked", func(t *testing.T) {
		// Arrange
		_, sut, raw := setupMiniredis(t, Config{})
		require.NoError(t, sut.Publish(ctx, "vk", []byte(`{"id":"a"}`)))

		// Act
		var got []byte
		err := sut.Consume(ctx, "vk", func(_ context.Context, body []byte) error {
			got = body
			return nil
		})
		again := sut.Consume(ctx, "vk", func(context.Context, []byte) error { return nil })

		// Assert
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"a"}`, string(got))
		assert.ErrorIs(t, again, ErrEmpty)

		pending, err := raw.XPending(ctx, "leases:v1:vk", "credentials-manager").Result()
		require.NoError(t, err)
		assert.Zero(t, pending.Count)
	})

	t.Run("networks are isolated", func(t *testing.T) {
		// Arrange
		_, sut, _ := setupMiniredis(t, Config{})
		require.NoError(t, sut.Publish(ctx, "vk", []byte(`{"id":"a"}`)))

		// Act
		err := sut.Consume(ctx, "ok", func(context.Context, []byte) error { return nil })

		// Assert
		assert.ErrorIs(t, err, ErrEmpty)
		n, err := sut.Length(ctx, "vk")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("discarded message is acked and reported", func(t *testing.T) {
		// Arrange
		_, sut, raw := setupMiniredis(t, Config{})
		require.NoError(t, sut.Publish(ctx, "vk", []byte(`{"id":"dup"}`)))

		// Act
		err := sut.Consume(ctx, "vk", func(context.Context, []byte) error { return ErrDiscard })

		// Assert
		assert.ErrorIs(t, err, ErrDiscard)
		pending, err := raw.XPending(ctx, "leases:v1:vk", "credentials-manager").Result()
		require.NoError(t, err)
		assert.Zero(t, pending.Count)
	})

	t.Run("handler failure leaves the message pending", func(t *testing.T) {
		// Arrange
		_, sut, raw := setupMiniredis(t, Config{})
		require.NoError(t, sut.Publish(ctx, "vk", []byte(`{"id":"a"}`)))
		boom := errors.New("boom")

		// Act
		err := sut.Consume(ctx, "vk", func(context.Context, []byte) error { return boom })

		// Assert
		assert.ErrorIs(t, err, boom)
		pending, err := raw.XPending(ctx, "leases:v1:vk", "credentials-manager").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending.Count)
	})

	t.Run("pending message is reclaimed after the idle time", func(t *testing.T) {
		// Arrange
		_, sut, _ := setupMiniredis(t, Config{ClaimIdle: time.Millisecond})
		require.NoError(t, sut.Publish(ctx, "vk", []byte(`{"id":"a"}`)))
		_ = sut.Consume(ctx, "vk", func(context.Context, []byte) error { return errors.New("crash") })
		time.Sleep(20 * time.Millisecond)

		// Act
		var got []byte
		err := sut.Consume(ctx, "vk", func(_ context.Context, body []byte) error {
			got = body
			return nil
		})

		// Assert
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"a"}`, string(got))
	})

	t.Run("message is dead-lettered after too many deliveries", func(t *testing.T) {
		// Arrange
		_, sut, raw := setupMiniredis(t, Config{ClaimIdle: time.Millisecond, MaxDeliveries: 2})
		require.NoError(t, sut.Publish(ctx, "vk", []byte(`{"id":"poison"}`)))
		calls := 0
		failing := func(context.Context, []byte) error {
			calls++
			return errors.New("boom")
		}

		// Act
		var errs []error
		for i := 0; i < 3; i++ {
			errs = append(errs, sut.Consume(ctx, "vk", failing))
			time.Sleep(20 * time.Millisecond)
		}

		// Assert
		assert.Equal(t, 2, calls)
		assert.Error(t, errs[0])
		assert.Error(t, errs[1])
		assert.ErrorIs(t, errs[2], ErrEmpty)

		dead, err := sut.DeadLetterLength(ctx, "vk")
		require.NoError(t, err)
		assert.Equal(t, int64(1), dead)
		left, err := sut.Length(ctx, "vk")
		require.NoError(t, err)
		assert.Zero(t, left)

		pending, err := raw.XPending(ctx, "leases:v1:vk", "credentials-manager").Result()
		require.NoError(t, err)
		assert.Zero(t, pending.Count)

		entries, err := raw.XRange(ctx, "leases:v1:dlq:vk", "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, `{"id":"poison"}`, entries[0].Values["payload"])
		assert.Equal(t, "delivered 3 times", entries[0].Values["reason"])
	})

	t.Run("publish on a dead broker is a channel error", func(t *testing.T) {
		// Arrange
		mr, sut, _ := setupMiniredis(t, Config{})
		mr.Close()

		// Act
		err := sut.Publish(ctx, "vk", []byte(`{}`))

		// Assert
		assert.ErrorIs(t, err, core.ErrChannelUnavailable)
	})
}

func TestRedisQueue_Defaults(t *testing.T) {
	sut := NewRedisQueue(nil, Config{}, zap.NewNop())

	assert.Equal(t, "leases:v1:vk", sut.streamKey("vk"))
	assert.Equal(t, "leases:v1:dlq:vk", sut.dlqKey("vk"))
	assert.Equal(t, int64(5), sut.maxDeliveries)
	assert.Contains(t, sut.Consumer(), "credman-")
}
