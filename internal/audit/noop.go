package audit

import (
	"context"

	"go.uber.org/zap"
)

// Noop is a Store that only logs events. It is used when no database is
// configured.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates a new no-op audit store.
func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{logger: logger}
}

func (n *Noop) SaveDenial(_ context.Context, event *DenialEvent) error {
	n.logger.Info("denial event received",
		zap.String("id", event.ID),
		zap.String("identifier", event.Identifier),
		zap.String("category", event.Category),
		zap.String("path", event.Path),
		zap.Time("occurredAt", event.OccurredAt),
	)

	return nil
}

func (n *Noop) RecentDenials(_ context.Context, _ int) ([]DenialEvent, error) {
	return nil, ErrStoreUnavailable
}

// Compile-time check.
var _ Store = (*Noop)(nil)
