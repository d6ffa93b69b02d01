//go:build integration

package audit_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/serroba/ratelimit-service/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func getRedisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestRedisStreamRoundTrip(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: getRedisAddr(),
	})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	logger := audit.NewZapLoggerAdapter(zap.NewNop())

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	require.NoError(t, err)

	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: "audit-test-" + uuid.NewString(),
	}, logger)
	require.NoError(t, err)

	store := &mockStore{}
	consumer := audit.NewConsumer(sub, store, zap.NewNop())
	require.NoError(t, consumer.Start(ctx))

	defer func() { _ = consumer.Shutdown() }()

	publisher := audit.NewPublisher(pub)

	defer func() { _ = publisher.Shutdown() }()

	event := newEvent()
	event.ID = uuid.NewString()

	require.NoError(t, publisher.PublishDenial(event))

	assert.Eventually(t, func() bool {
		for _, saved := range store.saved() {
			if saved.ID == event.ID {
				return true
			}
		}

		return false
	}, 10*time.Second, 50*time.Millisecond)
}
