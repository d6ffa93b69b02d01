package audit_test

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/serroba/ratelimit-service/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPublisher struct {
	messages   []*message.Message
	topic      string
	publishErr error
	closeErr   error
}

func (m *mockPublisher) Publish(topic string, msgs ...*message.Message) error {
	if m.publishErr != nil {
		return m.publishErr
	}

	m.topic = topic
	m.messages = append(m.messages, msgs...)

	return nil
}

func (m *mockPublisher) Close() error {
	return m.closeErr
}

func newEvent() *audit.DenialEvent {
	return &audit.DenialEvent{
		Identifier: "203.0.113.7",
		Category:   "auth",
		Method:     "POST",
		Path:       "/auth/login",
		Limit:      5,
		Current:    5,
		OccurredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_PublishDenial(t *testing.T) {
	t.Run("publishes event with generated id", func(t *testing.T) {
		mock := &mockPublisher{}
		publisher := audit.NewPublisher(mock)

		event := newEvent()

		err := publisher.PublishDenial(event)

		require.NoError(t, err)
		assert.NotEmpty(t, event.ID)
		assert.Equal(t, audit.TopicDenied, mock.topic)
		require.Len(t, mock.messages, 1)
		assert.Equal(t, "auth", mock.messages[0].Metadata.Get("category"))

		var decoded audit.DenialEvent
		require.NoError(t, json.Unmarshal(mock.messages[0].Payload, &decoded))
		assert.Equal(t, event.ID, decoded.ID)
		assert.Equal(t, "/auth/login", decoded.Path)
	})

	t.Run("keeps caller supplied id", func(t *testing.T) {
		mock := &mockPublisher{}
		publisher := audit.NewPublisher(mock)

		event := newEvent()
		event.ID = "fixed"

		require.NoError(t, publisher.PublishDenial(event))
		assert.Equal(t, "fixed", event.ID)
	})

	t.Run("returns error when publish fails", func(t *testing.T) {
		mock := &mockPublisher{publishErr: errors.New("publish error")}
		publisher := audit.NewPublisher(mock)

		err := publisher.PublishDenial(newEvent())

		assert.Error(t, err)
	})

	t.Run("drops events over the throttle", func(t *testing.T) {
		mock := &mockPublisher{}
		dropped := 0
		publisher := audit.NewPublisher(mock,
			audit.WithThrottle(0.001, 2),
			audit.WithOnDropped(func() { dropped++ }),
		)

		for range 5 {
			require.NoError(t, publisher.PublishDenial(newEvent()))
		}

		assert.Len(t, mock.messages, 2)
		assert.Equal(t, 3, dropped)
	})

	t.Run("non-positive throttle publishes everything", func(t *testing.T) {
		mock := &mockPublisher{}
		publisher := audit.NewPublisher(mock, audit.WithThrottle(0, 0))

		for range 50 {
			require.NoError(t, publisher.PublishDenial(newEvent()))
		}

		assert.Len(t, mock.messages, 50)
	})
}

func TestPublisher_Shutdown(t *testing.T) {
	t.Run("shuts down successfully", func(t *testing.T) {
		publisher := audit.NewPublisher(&mockPublisher{})

		assert.NoError(t, publisher.Shutdown())
	})

	t.Run("returns error when close fails", func(t *testing.T) {
		publisher := audit.NewPublisher(&mockPublisher{closeErr: errors.New("close error")})

		assert.Error(t, publisher.Shutdown())
	})
}

// gatedPublisher blocks every Publish until release is closed.
type gatedPublisher struct {
	mu       sync.Mutex
	messages []*message.Message
	entered  chan struct{}
	release  chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedPublisher) Publish(_ string, msgs ...*message.Message) error {
	g.entered <- struct{}{}
	<-g.release

	g.mu.Lock()
	defer g.mu.Unlock()

	g.messages = append(g.messages, msgs...)

	return nil
}

func (g *gatedPublisher) Close() error {
	return nil
}

func (g *gatedPublisher) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.messages)
}

func TestPublisher_Queue(t *testing.T) {
	t.Run("does not wait on a slow broker", func(t *testing.T) {
		gated := newGatedPublisher()
		publisher := audit.NewPublisher(gated, audit.WithQueue(4))

		done := make(chan error, 1)

		go func() {
			done <- publisher.PublishDenial(newEvent())
		}()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("PublishDenial blocked on the broker")
		}

		<-gated.entered
		close(gated.release)

		require.NoError(t, publisher.Shutdown())
		assert.Equal(t, 1, gated.count())
	})

	t.Run("drops events when the queue is full", func(t *testing.T) {
		gated := newGatedPublisher()

		var dropped atomic.Int32

		publisher := audit.NewPublisher(gated,
			audit.WithQueue(1),
			audit.WithOnDropped(func() { dropped.Add(1) }),
		)

		event := newEvent()
		require.NoError(t, publisher.PublishDenial(event))
		assert.NotEmpty(t, event.ID)

		<-gated.entered

		require.NoError(t, publisher.PublishDenial(newEvent()))
		require.NoError(t, publisher.PublishDenial(newEvent()))
		require.NoError(t, publisher.PublishDenial(newEvent()))

		assert.Equal(t, int32(2), dropped.Load())

		close(gated.release)

		require.NoError(t, publisher.Shutdown())
		assert.Equal(t, 2, gated.count())
	})

	t.Run("shutdown publishes queued events", func(t *testing.T) {
		gated := newGatedPublisher()
		close(gated.release)

		publisher := audit.NewPublisher(gated, audit.WithQueue(16), audit.WithLogger(zap.NewNop()))

		for range 10 {
			require.NoError(t, publisher.PublishDenial(newEvent()))
		}

		require.NoError(t, publisher.Shutdown())
		assert.Equal(t, 10, gated.count())
	})

	t.Run("drops events after shutdown", func(t *testing.T) {
		gated := newGatedPublisher()
		close(gated.release)

		var dropped atomic.Int32

		publisher := audit.NewPublisher(gated,
			audit.WithQueue(4),
			audit.WithOnDropped(func() { dropped.Add(1) }),
		)

		require.NoError(t, publisher.Shutdown())
		require.NoError(t, publisher.Shutdown())

		require.NoError(t, publisher.PublishDenial(newEvent()))
		assert.Equal(t, int32(1), dropped.Load())
		assert.Zero(t, gated.count())
	})
}
