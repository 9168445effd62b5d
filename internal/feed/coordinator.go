// Package feed keeps one live order book in sync with a market: it loads the
// REST snapshot, attaches the stream, merges every inbound event and
// republishes book and status changes to listeners.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/metrics"
	"github.com/alanyoungcy/polybook/internal/normalize"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
)

// SnapshotFetcher loads the authoritative book for a market.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, marketID string) (*domain.RawBook, error)
}

// Stream is the connection manager surface the coordinator drives.
type Stream interface {
	Connect() error
	Reconnect() error
	Close() error
}

// StreamFactory creates an idle stream subscribed to marketID. The callbacks
// run on the stream's goroutine, one at a time, in delivery order.
type StreamFactory func(marketID string, onStatus func(domain.ConnectionStatus), onMessage func([]byte)) (Stream, error)

// Journal receives feed events. Record must not block.
type Journal interface {
	Record(ev domain.FeedEvent)
}

// Sequencing policies.
const (
	// PolicyReplace treats every book event as a full replacement and applies
	// price changes on top of the current book without sequence checks.
	PolicyReplace = "replace"
	// PolicySequenced requires a seq on every event and re-snapshots on gaps.
	PolicySequenced = "sequenced"
)

// invalidSampleEvery controls how often dropped messages reach the journal.
const invalidSampleEvery = 100

// Options configures a Coordinator.
type Options struct {
	Fetcher SnapshotFetcher
	Streams StreamFactory
	Decoder normalize.Decoder
	Policy  string

	// Parse decodes one stream frame. Defaults to polymarket.ParseEvents.
	Parse func([]byte) ([]domain.StreamEvent, error)

	Metrics *metrics.Metrics
	Journal Journal
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// State is the externally visible session state.
type State struct {
	MarketID     string                  `json:"market_id"`
	SessionID    string                  `json:"session_id"`
	Status       domain.ConnectionStatus `json:"status"`
	LastUpdateID int64                   `json:"last_update_id"`
	Resyncing    bool                    `json:"resyncing"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Coordinator owns at most one live book. Its merge path runs on the stream
// goroutine; Start, Stop and Reconnect may be called from any goroutine.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	gen       uint64
	marketID  string
	sessionID string
	status    domain.ConnectionStatus
	stream    Stream
	cancel    context.CancelFunc
	resyncing bool
	resyncID  uint64
	// anchored is false while a sequenced book came from a snapshot without
	// seq; the next delta's seq becomes the baseline.
	anchored bool
	invalid  int64

	book  atomic.Pointer[domain.OrderBook]
	state atomic.Pointer[State]

	listenersMu     sync.RWMutex
	bookListeners   []func(*domain.OrderBook)
	statusListeners []func(State)
}

// NewCoordinator validates opts and returns an idle coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("feed: %w: snapshot fetcher is required", domain.ErrInvalidConfiguration)
	}
	if opts.Streams == nil {
		return nil, fmt.Errorf("feed: %w: stream factory is required", domain.ErrInvalidConfiguration)
	}
	if opts.Decoder == nil {
		opts.Decoder = normalize.ObjectDecoder{}
	}
	switch opts.Policy {
	case "":
		opts.Policy = PolicyReplace
	case PolicyReplace, PolicySequenced:
	default:
		return nil, fmt.Errorf("feed: %w: unknown sequencing policy %q", domain.ErrInvalidConfiguration, opts.Policy)
	}
	if opts.Parse == nil {
		opts.Parse = polymarket.ParseEvents
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		opts:   opts,
		logger: logger.With(slog.String("component", "feed")),
		status: domain.StatusIdle,
	}
	c.storeStateLocked()
	return c, nil
}

// OnBook registers fn for every accepted book, and for nil when the book is
// dropped. Listeners run synchronously in publication order and must not call
// Start, Stop or Reconnect.
func (c *Coordinator) OnBook(fn func(*domain.OrderBook)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.bookListeners = append(c.bookListeners, fn)
}

// OnStatus registers fn for every status transition.
func (c *Coordinator) OnStatus(fn func(State)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.statusListeners = append(c.statusListeners, fn)
}

// Book returns the current immutable book, or nil before the first snapshot.
func (c *Coordinator) Book() *domain.OrderBook {
	return c.book.Load()
}

// State returns the current session state.
func (c *Coordinator) State() State {
	st := *c.state.Load()
	if b := c.book.Load(); b != nil {
		st.LastUpdateID = b.LastUpdateID
	}
	return st
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() domain.ConnectionStatus {
	return c.state.Load().Status
}

// Start subscribes to marketID, stopping any previous subscription first. It
// blocks for the snapshot fetch and returns once the stream is opening. A
// failed snapshot or stream leaves the coordinator in the error state with
// neither a book nor a stream.
func (c *Coordinator) Start(ctx context.Context, marketID string) error {
	marketID = strings.TrimSpace(marketID)
	if marketID == "" {
		return fmt.Errorf("feed: start: %w: empty market id", domain.ErrValidation)
	}

	c.mu.Lock()
	prev, prevMarket := c.detachLocked()
	c.gen++
	gen := c.gen
	c.marketID = marketID
	c.sessionID = uuid.NewString()
	c.invalid = 0
	if c.book.Load() != nil {
		c.publishLocked(nil)
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setStatusLocked(domain.StatusConnecting)
	c.recordLocked(domain.FeedEventStart, map[string]any{"previous_market": prevMarket})
	c.mu.Unlock()

	closeStream(prev, c.logger)

	began := time.Now()
	raw, fetchErr := c.opts.Fetcher.FetchSnapshot(fetchCtx, marketID)
	c.opts.Metrics.ObserveSnapshotFetch(time.Since(began))
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return fmt.Errorf("feed: start %s: %w", marketID, domain.ErrStale)
	}
	c.cancel = nil

	ob, err := c.snapshotBook(raw, fetchErr, marketID)
	if err != nil {
		c.logger.Error("snapshot failed", slog.String("market", marketID), slog.String("error", err.Error()))
		c.setStatusLocked(domain.StatusError)
		c.mu.Unlock()
		return fmt.Errorf("feed: start %s: %w", marketID, err)
	}

	// The book is only published once a stream exists to keep it current.
	stream, err := c.opts.Streams(marketID, c.streamStatusHandler(gen), c.streamMessageHandler(gen))
	if err != nil {
		c.logger.Error("open stream failed", slog.String("market", marketID), slog.String("error", err.Error()))
		c.setStatusLocked(domain.StatusError)
		c.mu.Unlock()
		return fmt.Errorf("feed: open stream %s: %w", marketID, err)
	}
	c.stream = stream
	c.anchored = raw.Seq != nil
	c.publishLocked(ob)
	c.setStatusLocked(domain.StatusConnected)
	c.mu.Unlock()

	c.logger.Info("feed started",
		slog.String("market", marketID),
		slog.Int("bids", len(ob.Bids)),
		slog.Int("asks", len(ob.Asks)),
	)
	if err := stream.Connect(); err != nil {
		return fmt.Errorf("feed: connect stream %s: %w", marketID, err)
	}
	return nil
}

// Stop closes the stream, drops the book and returns to idle. A snapshot
// still in flight is discarded when it arrives.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	prev, market := c.detachLocked()
	c.gen++
	if market != "" {
		c.recordLocked(domain.FeedEventStop, nil)
	}
	c.marketID = ""
	c.sessionID = ""
	if c.book.Load() != nil {
		c.publishLocked(nil)
	}
	c.setStatusLocked(domain.StatusIdle)
	c.mu.Unlock()

	closeStream(prev, c.logger)
	if market != "" {
		c.logger.Info("feed stopped", slog.String("market", market))
	}
}

// Reconnect restarts the stream after it gave up. When there is no stream
// (the snapshot failed) it restarts the whole session for the same market.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	stream, market := c.stream, c.marketID
	c.mu.Unlock()

	switch {
	case stream != nil:
		if err := stream.Reconnect(); err != nil {
			return fmt.Errorf("feed: reconnect: %w", err)
		}
		return nil
	case market != "":
		return c.Start(ctx, market)
	default:
		return fmt.Errorf("feed: reconnect: %w", domain.ErrNoBook)
	}
}

// detachLocked cancels the current session and hands back its stream so it
// can be closed without holding the lock.
func (c *Coordinator) detachLocked() (Stream, string) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	s := c.stream
	c.stream = nil
	c.resyncing = false
	c.anchored = false
	return s, c.marketID
}

func closeStream(s Stream, logger *slog.Logger) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		logger.Warn("close stream", slog.String("error", err.Error()))
	}
}

// snapshotBook turns a fetch result into a book, wrapping every failure in
// domain.ErrSnapshotFetch.
func (c *Coordinator) snapshotBook(raw *domain.RawBook, fetchErr error, marketID string) (*domain.OrderBook, error) {
	if fetchErr != nil {
		if errors.Is(fetchErr, domain.ErrSnapshotFetch) {
			return nil, fetchErr
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrSnapshotFetch, fetchErr)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty response", domain.ErrSnapshotFetch)
	}
	bids, err := c.opts.Decoder.Decode(raw.Bids, normalize.ModeSnapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: bids: %w", domain.ErrSnapshotFetch, err)
	}
	asks, err := c.opts.Decoder.Decode(raw.Asks, normalize.ModeSnapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: asks: %w", domain.ErrSnapshotFetch, err)
	}
	var updateID int64
	if raw.Seq != nil {
		updateID = *raw.Seq
	}
	ob := book.Initialize(marketID, bids, asks, updateID, c.stamp(raw.Timestamp))
	ob.Hash = raw.Hash
	return ob, nil
}

// streamStatusHandler mirrors connection manager transitions for one session.
func (c *Coordinator) streamStatusHandler(gen uint64) func(domain.ConnectionStatus) {
	return func(s domain.ConnectionStatus) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || s == domain.StatusIdle || s == domain.StatusClosed {
			return
		}
		if s == domain.StatusReconnecting {
			c.opts.Metrics.Reconnect()
		}
		c.setStatusLocked(s)
	}
}

func (c *Coordinator) setStatusLocked(s domain.ConnectionStatus) {
	if c.status == s {
		c.storeStateLocked()
		return
	}
	prev := c.status
	c.status = s
	st := c.storeStateLocked()
	c.opts.Metrics.Status(s)

	level := slog.LevelInfo
	if s == domain.StatusError {
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, "status changed",
		slog.String("market", c.marketID),
		slog.String("from", string(prev)),
		slog.String("to", string(s)),
	)
	c.recordLocked(domain.FeedEventStatus, map[string]any{"from": string(prev), "to": string(s)})

	c.listenersMu.RLock()
	listeners := c.statusListeners
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(st)
	}
}

func (c *Coordinator) storeStateLocked() State {
	st := State{
		MarketID:  c.marketID,
		SessionID: c.sessionID,
		Status:    c.status,
		Resyncing: c.resyncing,
		UpdatedAt: c.opts.Now(),
	}
	if b := c.book.Load(); b != nil {
		st.LastUpdateID = b.LastUpdateID
	}
	c.state.Store(&st)
	return st
}

func (c *Coordinator) publishLocked(ob *domain.OrderBook) {
	c.book.Store(ob)
	c.storeStateLocked()

	c.listenersMu.RLock()
	listeners := c.bookListeners
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ob)
	}
}

func (c *Coordinator) recordLocked(kind string, detail map[string]any) {
	if c.opts.Journal == nil || c.marketID == "" {
		return
	}
	c.opts.Journal.Record(domain.FeedEvent{
		SessionID: c.sessionID,
		MarketID:  c.marketID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: c.opts.Now(),
	})
}

func (c *Coordinator) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return c.opts.Now()
	}
	return ts
}
