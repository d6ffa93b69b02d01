package audit

import (
	"context"
	"errors"
)

// ErrStoreUnavailable is returned when no durable audit store is configured.
var ErrStoreUnavailable = errors.New("audit store unavailable")

// Store persists denial events.
type Store interface {
	SaveDenial(ctx context.Context, event *DenialEvent) error
	RecentDenials(ctx context.Context, limit int) ([]DenialEvent, error)
}
