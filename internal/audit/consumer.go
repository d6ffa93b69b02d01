package audit

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Consumer consumes denial events and persists them to the store.
type Consumer struct {
	subscriber message.Subscriber
	store      Store
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewConsumer creates a new denial event consumer.
func NewConsumer(subscriber message.Subscriber, store Store, logger *zap.Logger) *Consumer {
	return &Consumer{
		subscriber: subscriber,
		store:      store,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start subscribes to the denial topic and processes messages in the background.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	msgs, err := c.subscriber.Subscribe(ctx, TopicDenied)
	if err != nil {
		c.cancel()
		close(c.done)

		return err
	}

	go c.consumeLoop(ctx, msgs)

	c.logger.Info("audit consumer started", zap.String("topic", TopicDenied))

	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, msgs <-chan *message.Message) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			c.handleDenial(ctx, msg)
		}
	}
}

func (c *Consumer) handleDenial(ctx context.Context, msg *message.Message) {
	var event DenialEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.logger.Error("failed to unmarshal denial event",
			zap.String("message_uuid", msg.UUID),
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	if err := c.store.SaveDenial(ctx, &event); err != nil {
		c.logger.Error("failed to save denial event",
			zap.String("id", event.ID),
			zap.String("identifier", event.Identifier),
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	msg.Ack()

	c.logger.Debug("processed denial event",
		zap.String("id", event.ID),
		zap.String("category", event.Category),
	)
}

// Shutdown stops the consumer, waits for the in-flight message, and closes
// the subscriber.
func (c *Consumer) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	return c.subscriber.Close()
}
