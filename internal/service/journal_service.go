package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// journalBuffer bounds events waiting to be written.
const journalBuffer = 256

// JournalService writes feed events to an EventStore from its own goroutine
// so the feed never waits on the database.
type JournalService struct {
	store   domain.EventStore
	logger  *slog.Logger
	events  chan domain.FeedEvent
	dropped atomic.Int64
}

func NewJournalService(store domain.EventStore, logger *slog.Logger) *JournalService {
	return &JournalService{
		store:  store,
		logger: logger.With(slog.String("component", "journal_service")),
		events: make(chan domain.FeedEvent, journalBuffer),
	}
}

// Record queues ev. It drops the event when the queue is full.
func (s *JournalService) Record(ev domain.FeedEvent) {
	select {
	case s.events <- ev:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("journal queue full, events dropped", slog.Int64("dropped", n))
		}
	}
}

// Dropped reports how many events were discarded.
func (s *JournalService) Dropped() int64 {
	return s.dropped.Load()
}

// Run drains the queue into the store until ctx is cancelled, then flushes
// what is already queued using a context without cancellation.
func (s *JournalService) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.events:
			s.write(ctx, ev)
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for {
				select {
				case ev := <-s.events:
					s.write(flushCtx, ev)
				default:
					return nil
				}
			}
		}
	}
}

func (s *JournalService) write(ctx context.Context, ev domain.FeedEvent) {
	if err := s.store.Append(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "journal append failed",
			slog.String("kind", ev.Kind),
			slog.String("market", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// List returns the newest events for marketID, or for every market when
// marketID is empty.
func (s *JournalService) List(ctx context.Context, marketID string, limit int) ([]domain.FeedEvent, error) {
	events, err := s.store.List(ctx, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal_service: list: %w", err)
	}
	return events, nil
}
