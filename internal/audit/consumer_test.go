package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/serroba/ratelimit-service/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSubscriber struct {
	msgChan      chan *message.Message
	subscribeErr error
	closeErr     error
	topic        string
	mu           sync.Mutex
	closed       bool
}

func newMockSubscriber() *mockSubscriber {
	return &mockSubscriber{
		msgChan: make(chan *message.Message, 10),
	}
}

func (m *mockSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}

	m.topic = topic

	return m.msgChan, nil
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.msgChan)
	}

	return m.closeErr
}

type mockStore struct {
	events  []*audit.DenialEvent
	saveErr error
	mu      sync.Mutex
}

func (m *mockStore) SaveDenial(_ context.Context, event *audit.DenialEvent) error {
	if m.saveErr != nil {
		return m.saveErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)

	return nil
}

func (m *mockStore) RecentDenials(_ context.Context, _ int) ([]audit.DenialEvent, error) {
	return nil, nil
}

func (m *mockStore) saved() []*audit.DenialEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.events
}

func TestConsumer_Start(t *testing.T) {
	t.Run("subscribes to the denial topic", func(t *testing.T) {
		sub := newMockSubscriber()
		consumer := audit.NewConsumer(sub, &mockStore{}, zap.NewNop())

		err := consumer.Start(context.Background())

		require.NoError(t, err)
		assert.Equal(t, audit.TopicDenied, sub.topic)

		_ = consumer.Shutdown()
	})

	t.Run("returns error when subscription fails", func(t *testing.T) {
		sub := &mockSubscriber{subscribeErr: errors.New("subscribe error"), msgChan: make(chan *message.Message)}
		consumer := audit.NewConsumer(sub, &mockStore{}, zap.NewNop())

		err := consumer.Start(context.Background())

		require.Error(t, err)
		assert.NoError(t, consumer.Shutdown(), "shutdown after failed start must not block")
	})
}

func TestConsumer_HandleDenial(t *testing.T) {
	t.Run("acks and saves valid events", func(t *testing.T) {
		sub := newMockSubscriber()
		store := &mockStore{}
		consumer := audit.NewConsumer(sub, store, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		payload, _ := json.Marshal(newEvent())
		msg := message.NewMessage(uuid.NewString(), payload)

		sub.msgChan <- msg

		select {
		case <-msg.Acked():
			require.Len(t, store.saved(), 1)
			assert.Equal(t, "203.0.113.7", store.saved()[0].Identifier)
		case <-msg.Nacked():
			t.Fatal("message was nacked")
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for ack")
		}

		_ = consumer.Shutdown()
	})

	t.Run("nacks on unmarshal error", func(t *testing.T) {
		sub := newMockSubscriber()
		consumer := audit.NewConsumer(sub, &mockStore{}, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		msg := message.NewMessage(uuid.NewString(), []byte("invalid json"))

		sub.msgChan <- msg

		select {
		case <-msg.Nacked():
		case <-msg.Acked():
			t.Fatal("message should have been nacked")
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for nack")
		}

		_ = consumer.Shutdown()
	})

	t.Run("nacks on store error", func(t *testing.T) {
		sub := newMockSubscriber()
		consumer := audit.NewConsumer(sub, &mockStore{saveErr: errors.New("db down")}, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		payload, _ := json.Marshal(newEvent())
		msg := message.NewMessage(uuid.NewString(), payload)

		sub.msgChan <- msg

		select {
		case <-msg.Nacked():
		case <-msg.Acked():
			t.Fatal("message should have been nacked")
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for nack")
		}

		_ = consumer.Shutdown()
	})
}

func TestConsumer_Shutdown(t *testing.T) {
	t.Run("returns subscriber close error", func(t *testing.T) {
		sub := newMockSubscriber()
		sub.closeErr = errors.New("close error")
		consumer := audit.NewConsumer(sub, &mockStore{}, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		assert.Error(t, consumer.Shutdown())
	})

	t.Run("shutdown without start closes subscriber", func(t *testing.T) {
		sub := newMockSubscriber()
		consumer := audit.NewConsumer(sub, &mockStore{}, zap.NewNop())

		require.NoError(t, consumer.Shutdown())
		assert.True(t, sub.closed)
	})
}
