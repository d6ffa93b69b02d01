package audit

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithThrottle caps publishing at perSecond events with the given burst.
// Events over the cap are dropped, not queued. A non-positive rate disables
// throttling.
func WithThrottle(perSecond float64, burst int) PublisherOption {
	return func(p *Publisher) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)

			return
		}

		p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithOnDropped sets a callback invoked for every event that is throttled or
// does not fit the queue.
func WithOnDropped(fn func()) PublisherOption {
	return func(p *Publisher) {
		p.onDropped = fn
	}
}

// WithQueue publishes from a background goroutine through a queue of size
// events, so callers never wait on the broker. Events arriving while the
// queue is full are dropped.
func WithQueue(size int) PublisherOption {
	return func(p *Publisher) {
		if size > 0 {
			p.queue = make(chan *DenialEvent, size)
		}
	}
}

// WithLogger sets the logger for failures of queued publishes.
func WithLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// Publisher publishes denial events.
type Publisher struct {
	publisher message.Publisher
	limiter   *rate.Limiter
	onDropped func()
	logger    *zap.Logger

	queue     chan *DenialEvent
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewPublisher creates a new denial event publisher.
func NewPublisher(publisher message.Publisher, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.queue != nil {
		p.wg.Add(1)

		go p.drain()
	}

	return p
}

// PublishDenial publishes a denial event, assigning an ID when missing.
// Throttled events are dropped silently apart from the OnDropped callback.
// With a queue the event is only enqueued and the returned error is always nil.
func (p *Publisher) PublishDenial(event *DenialEvent) error {
	if !p.limiter.Allow() {
		p.dropped()

		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if p.queue == nil {
		return p.publish(event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped()

		return nil
	}

	select {
	case p.queue <- event:
	default:
		p.dropped()
	}

	return nil
}

func (p *Publisher) drain() {
	defer p.wg.Done()

	for event := range p.queue {
		if err := p.publish(event); err != nil {
			p.logger.Error("failed to publish denial event",
				zap.String("event_id", event.ID),
				zap.String("identifier", event.Identifier),
				zap.Error(err),
			)
		}
	}
}

func (p *Publisher) dropped() {
	if p.onDropped != nil {
		p.onDropped()
	}
}

func (p *Publisher) publish(event *DenialEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal denial event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("category", event.Category)

	return p.publisher.Publish(TopicDenied, msg)
}

// Shutdown publishes what is still queued and closes the underlying
// publisher. It is safe to call more than once.
func (p *Publisher) Shutdown() error {
	p.closeOnce.Do(func() {
		if p.queue != nil {
			p.mu.Lock()
			p.closed = true
			close(p.queue)
			p.mu.Unlock()

			p.wg.Wait()
		}

		p.closeErr = p.publisher.Close()
	})

	return p.closeErr
}
