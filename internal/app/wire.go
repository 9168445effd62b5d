package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polybook/internal/cache/redis"
	"github.com/alanyoungcy/polybook/internal/config"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/feed"
	"github.com/alanyoungcy/polybook/internal/history"
	"github.com/alanyoungcy/polybook/internal/metrics"
	"github.com/alanyoungcy/polybook/internal/normalize"
	"github.com/alanyoungcy/polybook/internal/notify"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
	"github.com/alanyoungcy/polybook/internal/server/handler"
	"github.com/alanyoungcy/polybook/internal/server/ws"
	"github.com/alanyoungcy/polybook/internal/service"
	"github.com/alanyoungcy/polybook/internal/store/postgres"
	"github.com/alanyoungcy/polybook/internal/stream"
)

// Dependencies bundles everything the modes run. Optional backends are nil
// when disabled. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Health checks, keyed by backend name. Only enabled backends appear.
	Pingers map[string]handler.Pinger

	// Redis
	BookCache   domain.OrderbookCache
	SignalBus   domain.SignalBus
	Relay       ws.Subscriber
	RateLimiter domain.RateLimiter

	// Postgres
	EventStore domain.EventStore
	Journal    *service.JournalService

	Metrics     *metrics.Metrics
	Window      *history.Window
	Coordinator *feed.Coordinator
	Views       *service.ViewService
	Publisher   *service.PublishService

	// Notifier is nil when no alert channel is configured.
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Pingers: make(map[string]handler.Pinger),
		Metrics: metrics.New(),
		Window:  history.NewWindow(cfg.History.WindowSize),
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		bus := redis.NewSignalBus(redisClient)
		deps.Pingers["redis"] = redisClient
		deps.BookCache = redis.NewOrderbookCache(redisClient, cfg.Redis.BookTTL.Duration)
		deps.SignalBus = bus
		deps.Relay = bus
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Pingers["postgres"] = pgClient
		deps.EventStore = postgres.NewEventStore(pgClient.Pool())
		deps.Journal = service.NewJournalService(deps.EventStore, logger)
	}

	// --- Feed ---
	decoder, err := normalize.ForFormat(cfg.Feed.WireFormat)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	opts := feed.Options{
		Fetcher: polymarket.NewClobClient(cfg.Polymarket.ClobHost, cfg.Polymarket.HTTPTimeout.Duration),
		Streams: streamFactory(cfg, logger),
		Decoder: decoder,
		Policy:  cfg.Feed.Sequencing,
		Metrics: deps.Metrics,
		Logger:  logger,
	}
	if deps.Journal != nil {
		opts.Journal = deps.Journal
	}
	coord, err := feed.NewCoordinator(opts)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	closers = append(closers, coord.Stop)
	deps.Coordinator = coord

	views, err := service.NewViewService(coord, deps.Window, cfg.DisplaySettings(), cfg.DepthPercents(), logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	deps.Views = views
	deps.Publisher = service.NewPublishService(deps.BookCache, deps.SignalBus, logger)

	coord.OnBook(func(b *domain.OrderBook) {
		deps.Window.Push(b)
		deps.Publisher.HandleBook(b)
	})
	coord.OnStatus(deps.Publisher.HandleStatus)

	// --- Alerts ---
	if n := newNotifier(cfg, logger); n.Enabled() {
		deps.Notifier = n
		coord.OnStatus(n.HandleStatus)
	}

	return deps, cleanup, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramAPI, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	return notify.NewNotifier(senders, cfg.Notify.Statuses, logger)
}

// streamFactory opens one connection manager per market subscription against
// the CLOB market channel.
func streamFactory(cfg *config.Config, logger *slog.Logger) feed.StreamFactory {
	dialer := stream.WebsocketDialer{
		URL:         polymarket.MarketChannelURL(cfg.Polymarket.WsHost),
		ReadTimeout: cfg.Feed.ReadTimeout.Duration,
	}
	backoff := stream.Backoff{
		Base:   cfg.Feed.ReconnectBaseDelay.Duration,
		Max:    cfg.Feed.ReconnectMaxDelay.Duration,
		Jitter: cfg.Feed.ReconnectJitter.Duration,
	}
	var heartbeat []byte
	if cfg.Feed.HeartbeatPayload != "" {
		heartbeat = []byte(cfg.Feed.HeartbeatPayload)
	}

	return func(marketID string, onStatus func(domain.ConnectionStatus), onMessage func([]byte)) (feed.Stream, error) {
		sub, err := polymarket.SubscribeCommand(marketID)
		if err != nil {
			return nil, err
		}
		m, err := stream.NewManager(stream.Options{
			Dialer:               dialer,
			Subscribe:            sub,
			Heartbeat:            heartbeat,
			HeartbeatInterval:    cfg.Feed.HeartbeatInterval.Duration,
			MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
			Backoff:              backoff,
			OnStatus:             onStatus,
			OnMessage:            onMessage,
			Logger:               logger.With(slog.String("market", marketID)),
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}
