package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polybook/internal/analytics"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/feed"
)

// ChannelStatus carries connection status notifications.
const ChannelStatus = "ch:status"

// ChannelBook returns the notification channel for a market's book updates.
func ChannelBook(marketID string) string {
	return "ch:book:" + marketID
}

// Frame types handed to the Broadcaster.
const (
	FrameBook   = "book"
	FrameStatus = "status"
)

// Broadcaster pushes frames to in-process subscribers such as the websocket
// hub. Broadcast must not block.
type Broadcaster interface {
	Broadcast(typ string, payload any)
}

// statusBuffer bounds queued status notifications.
const statusBuffer = 64

// PublishService mirrors accepted books into the orderbook cache and
// publishes book and status notifications on the signal bus. Handle* calls
// never block the feed; only the newest pending book is written.
type PublishService struct {
	bookCache domain.OrderbookCache
	bus       domain.SignalBus
	logger    *slog.Logger

	broadcaster Broadcaster
	views       *ViewService

	mu      sync.Mutex
	pending *domain.OrderBook
	dirty   bool
	wake    chan struct{}
	status  chan feed.State
}

// NewPublishService creates a PublishService. Either dependency may be nil.
func NewPublishService(bookCache domain.OrderbookCache, bus domain.SignalBus, logger *slog.Logger) *PublishService {
	return &PublishService{
		bookCache: bookCache,
		bus:       bus,
		logger:    logger.With(slog.String("component", "publish_service")),
		wake:      make(chan struct{}, 1),
		status:    make(chan feed.State, statusBuffer),
	}
}

// SetBroadcaster also pushes every written book, aggregated through views,
// and every status to b. Call it before Run.
func (s *PublishService) SetBroadcaster(b Broadcaster, views *ViewService) {
	s.broadcaster = b
	s.views = views
}

// HandleBook queues b, replacing any book not yet written.
func (s *PublishService) HandleBook(b *domain.OrderBook) {
	if b == nil {
		return
	}
	s.mu.Lock()
	s.pending = b
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// HandleStatus queues a status notification, dropping it when the queue is
// full.
func (s *PublishService) HandleStatus(st feed.State) {
	select {
	case s.status <- st:
	default:
		s.logger.Warn("status notification dropped", slog.String("status", string(st.Status)))
	}
}

// Run writes queued updates until ctx is cancelled.
func (s *PublishService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			s.mu.Lock()
			b, dirty := s.pending, s.dirty
			s.pending, s.dirty = nil, false
			s.mu.Unlock()
			if dirty {
				s.broadcastBook(b)
				if err := s.publishBook(ctx, b); err != nil {
					s.logger.WarnContext(ctx, "publish book failed",
						slog.String("market", b.MarketID),
						slog.String("error", err.Error()),
					)
				}
			}
		case st := <-s.status:
			if s.broadcaster != nil {
				s.broadcaster.Broadcast(FrameStatus, st)
			}
			if err := s.publishStatus(ctx, st); err != nil {
				s.logger.WarnContext(ctx, "publish status failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *PublishService) broadcastBook(b *domain.OrderBook) {
	if s.broadcaster == nil || s.views == nil {
		return
	}
	view, err := s.views.LevelsOf(b)
	if err != nil {
		s.logger.Warn("aggregate book for broadcast failed", slog.String("error", err.Error()))
		return
	}
	s.broadcaster.Broadcast(FrameBook, view)
}

func (s *PublishService) publishBook(ctx context.Context, b *domain.OrderBook) error {
	if s.bookCache != nil {
		if err := s.bookCache.SetSnapshot(ctx, b); err != nil {
			return fmt.Errorf("publish_service: set snapshot for %q: %w", b.MarketID, err)
		}
	}
	if s.bus == nil {
		return nil
	}

	evt := map[string]any{
		"event":          "book_update",
		"market_id":      b.MarketID,
		"last_update_id": b.LastUpdateID,
		"bid_levels":     len(b.Bids),
		"ask_levels":     len(b.Asks),
		"timestamp":      b.Timestamp.Format(time.RFC3339Nano),
	}
	if st := analytics.Stats(b); st != nil {
		evt["best_bid"] = st.BestBid
		evt["best_ask"] = st.BestAsk
		evt["mid_price"] = st.MidPrice
		evt["spread"] = st.Spread
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("publish_service: marshal book update: %w", err)
	}
	if err := s.bus.Publish(ctx, ChannelBook(b.MarketID), payload); err != nil {
		return fmt.Errorf("publish_service: publish book update: %w", err)
	}
	return nil
}

func (s *PublishService) publishStatus(ctx context.Context, st feed.State) error {
	if s.bus == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"event":      "status",
		"market_id":  st.MarketID,
		"session_id": st.SessionID,
		"status":     st.Status,
		"timestamp":  st.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("publish_service: marshal status: %w", err)
	}
	if err := s.bus.Publish(ctx, ChannelStatus, payload); err != nil {
		return fmt.Errorf("publish_service: publish status: %w", err)
	}
	return nil
}
