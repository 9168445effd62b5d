package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polybook/internal/analytics"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/feed"
	"github.com/alanyoungcy/polybook/internal/history"
)

// BookSource is the live book owner, normally a *feed.Coordinator.
type BookSource interface {
	Book() *domain.OrderBook
	State() feed.State
}

// LevelsView is the aggregated book together with the display settings that
// produced it.
type LevelsView struct {
	MarketID     string                   `json:"market_id"`
	LastUpdateID int64                    `json:"last_update_id"`
	Timestamp    time.Time                `json:"timestamp"`
	Display      analytics.DisplayConfig  `json:"display"`
	Bids         []domain.AggregatedLevel `json:"bids"`
	Asks         []domain.AggregatedLevel `json:"asks"`
}

// Summary is one history entry.
type Summary struct {
	LastUpdateID int64                  `json:"last_update_id"`
	Timestamp    time.Time              `json:"timestamp"`
	BidLevels    int                    `json:"bid_levels"`
	AskLevels    int                    `json:"ask_levels"`
	Stats        *domain.OrderBookStats `json:"stats"`
}

// ViewService derives presentation views from the live book. Display
// settings only change how views are computed; they never trigger a fetch.
type ViewService struct {
	source BookSource
	window *history.Window
	logger *slog.Logger

	mu            sync.RWMutex
	display       analytics.DisplayConfig
	depthPercents []domain.Decimal
}

// NewViewService creates a ViewService. The initial display configuration
// must be valid.
func NewViewService(
	source BookSource,
	window *history.Window,
	display analytics.DisplayConfig,
	depthPercents []domain.Decimal,
	logger *slog.Logger,
) (*ViewService, error) {
	if err := display.Validate(); err != nil {
		return nil, fmt.Errorf("view_service: %w", err)
	}
	if window == nil {
		window = history.NewWindow(history.DefaultSize)
	}
	return &ViewService{
		source:        source,
		window:        window,
		logger:        logger.With(slog.String("component", "view_service")),
		display:       display,
		depthPercents: depthPercents,
	}, nil
}

// Display returns the active display configuration.
func (s *ViewService) Display() analytics.DisplayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.display
}

// SetDisplay replaces the display configuration. An invalid configuration is
// rejected and the previous one stays active.
func (s *ViewService) SetDisplay(cfg analytics.DisplayConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("view_service: set display: %w", err)
	}
	s.mu.Lock()
	prev := s.display
	s.display = cfg
	s.mu.Unlock()

	if prev != cfg {
		s.logger.Info("display changed",
			slog.Int("precision_digits", cfg.PrecisionDigits),
			slog.Int("row_count", cfg.RowCount),
		)
	}
	return nil
}

// State returns the feed session state.
func (s *ViewService) State() feed.State {
	return s.source.State()
}

// Raw returns the unaggregated book.
func (s *ViewService) Raw() (*domain.OrderBook, error) {
	b := s.source.Book()
	if b == nil {
		return nil, fmt.Errorf("view_service: %w", domain.ErrNoBook)
	}
	return b, nil
}

// Levels aggregates the book at the active precision and truncates each side
// to the active row count.
func (s *ViewService) Levels() (LevelsView, error) {
	b, err := s.Raw()
	if err != nil {
		return LevelsView{}, err
	}
	return s.LevelsOf(b)
}

// LevelsOf aggregates b at the active display settings.
func (s *ViewService) LevelsOf(b *domain.OrderBook) (LevelsView, error) {
	cfg := s.Display()
	agg, err := analytics.View(b, cfg)
	if err != nil {
		return LevelsView{}, fmt.Errorf("view_service: levels: %w", err)
	}
	return LevelsView{
		MarketID:     b.MarketID,
		LastUpdateID: b.LastUpdateID,
		Timestamp:    b.Timestamp,
		Display:      cfg,
		Bids:         agg.Bids,
		Asks:         agg.Asks,
	}, nil
}

// Stats returns spread and liquidity figures. The result is nil when either
// side is empty.
func (s *ViewService) Stats() (*domain.OrderBookStats, error) {
	b, err := s.Raw()
	if err != nil {
		return nil, err
	}
	return analytics.Stats(b), nil
}

// Depth evaluates depth bands given in percent. With no bands it uses the
// configured defaults.
func (s *ViewService) Depth(percents []domain.Decimal) ([]domain.Depth, error) {
	b, err := s.Raw()
	if err != nil {
		return nil, err
	}
	if len(percents) == 0 {
		s.mu.RLock()
		percents = s.depthPercents
		s.mu.RUnlock()
	}
	bands, err := analytics.DepthBands(b, percents)
	if err != nil {
		return nil, fmt.Errorf("view_service: depth: %w", err)
	}
	return bands, nil
}

// Imbalance compares bid and ask notional within percent of the mid. A zero
// percent covers the whole book. The result is nil when either side is empty.
func (s *ViewService) Imbalance(percent domain.Decimal) (*domain.Imbalance, error) {
	b, err := s.Raw()
	if err != nil {
		return nil, err
	}
	im, err := analytics.ImbalanceBand(b, percent)
	if err != nil {
		return nil, fmt.Errorf("view_service: imbalance: %w", err)
	}
	return im, nil
}

// Impact simulates a market order of size on side against the live book.
func (s *ViewService) Impact(side domain.Side, size domain.Decimal) (domain.PriceImpactResult, error) {
	b, err := s.Raw()
	if err != nil {
		return domain.PriceImpactResult{}, err
	}
	res, err := analytics.SimulateFill(b, side, size)
	if err != nil {
		return res, fmt.Errorf("view_service: impact: %w", err)
	}
	return res, nil
}

// History summarizes up to limit recent books, newest first.
func (s *ViewService) History(limit int) []Summary {
	books := s.window.Latest(limit)
	out := make([]Summary, 0, len(books))
	for _, b := range books {
		out = append(out, Summary{
			LastUpdateID: b.LastUpdateID,
			Timestamp:    b.Timestamp,
			BidLevels:    len(b.Bids),
			AskLevels:    len(b.Asks),
			Stats:        analytics.Stats(b),
		})
	}
	return out
}
