package stream

import (
	"context"

	"construction-doc-analysis/internal/domain/model"
)

// Subscription is a live, possibly-infinite sequence of events for one
// workflow. The channel closes after a terminal event plus a grace
// period, or when Close is called. Delivery is at-least-once and may
// be out of order across racing publishers; consumers re-sort by
// sequence.
type Subscription interface {
	Events() <-chan model.ProgressEvent
	Err() error
	Close()
}

// ProgressBus is the keyed publish/subscribe channel carrying
// lifecycle events for runs.
type ProgressBus interface {
	Publish(ctx context.Context, event model.ProgressEvent) error
	Subscribe(ctx context.Context, workflowID string) (Subscription, error)
}
