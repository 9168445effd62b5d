package domain

import "context"

// EventStore journals feed events.
type EventStore interface {
	Append(ctx context.Context, ev FeedEvent) error
	List(ctx context.Context, marketID string, limit int) ([]FeedEvent, error)
}
