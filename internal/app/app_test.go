package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/config"
	"github.com/alanyoungcy/polybook/internal/domain"
)

const venueBook = `{
	"market": "0xabc",
	"asset_id": "123",
	"timestamp": "1700000000000",
	"hash": "h1",
	"bids": [{"price": "0.48", "size": "30"}, {"price": "0.47", "size": "10"}],
	"asks": [{"price": "0.52", "size": "25"}]
}`

const venueChange = `{"event_type":"price_change","asset_id":"123","market":"0xabc","timestamp":"1700000001000",
	"changes":[{"price":"0.49","size":"5","side":"BUY"}]}`

// newVenue serves a CLOB book endpoint for token 123 and a market channel
// that answers the subscription with one price change.
func newVenue(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token_id") != "123" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"No orderbook exists"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(venueBook))
	})
	mux.HandleFunc("/ws/market", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(venueChange)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(venueURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Polymarket.ClobHost = venueURL
	cfg.Polymarket.WsHost = "ws" + strings.TrimPrefix(venueURL, "http")
	cfg.Polymarket.HTTPTimeout.Duration = 2 * time.Second
	cfg.Feed.MarketID = "123"
	cfg.Monitor.StatsInterval.Duration = 20 * time.Millisecond
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestWire_OptionalBackendsDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.Empty(t, deps.Pingers)
	assert.Nil(t, deps.BookCache)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Relay)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.EventStore)
	assert.Nil(t, deps.Journal)
	assert.Nil(t, deps.Notifier)
	assert.Equal(t, domain.StatusIdle, deps.Coordinator.Status())
	assert.Equal(t, cfg.History.WindowSize, deps.Window.Size())
}

func TestWire_AlertsOnError(t *testing.T) {
	var mu sync.Mutex
	var alerts []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		alerts = append(alerts, body["content"])
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	venue := newVenue(t)
	cfg := testConfig(venue.URL)
	cfg.Notify.DiscordWebhookURL = hook.URL

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, deps.Notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = deps.Notifier.Run(ctx) }()

	// Unknown token: the snapshot fails and the feed enters the error state.
	require.Error(t, deps.Coordinator.Start(context.Background(), "999"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, alerts[0], "polybook feed error")
	assert.Contains(t, alerts[0], "market 999")
	mu.Unlock()
}

func TestWire_RedisUnreachable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.MaxRetries = -1

	_, _, err := Wire(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: redis")
}

func TestWire_BadWireFormat(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Feed.WireFormat = "csv"

	_, _, err := Wire(context.Background(), cfg, quietLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestWire_FeedToViews(t *testing.T) {
	venue := newVenue(t)
	cfg := testConfig(venue.URL)

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, deps.Coordinator.Start(context.Background(), "123"))

	require.Eventually(t, func() bool {
		return deps.Window.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := deps.Views.Stats()
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, "0.49", stats.BestBid.String())
	assert.Equal(t, "0.52", stats.BestAsk.String())
	assert.Equal(t, 3, stats.BidLevels)

	history := deps.Views.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].LastUpdateID-history[1].LastUpdateID)
}

func TestRun_UnsupportedMode(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Mode = "trade"

	a := New(cfg, quietLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}

func TestMonitorMode_SnapshotFailure(t *testing.T) {
	venue := newVenue(t)
	cfg := testConfig(venue.URL)
	cfg.Mode = "monitor"
	cfg.Feed.MarketID = "999"

	a := New(cfg, quietLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Run(ctx)
	assert.ErrorIs(t, err, domain.ErrSnapshotFetch)
}

func TestMonitorMode_RunsUntilCancelled(t *testing.T) {
	venue := newVenue(t)
	cfg := testConfig(venue.URL)
	cfg.Mode = "monitor"

	a := New(cfg, quietLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, a.Run(ctx))
}

func TestServerMode_ServesBook(t *testing.T) {
	venue := newVenue(t)
	cfg := testConfig(venue.URL)
	cfg.Server.Port = freePort(t)

	a := New(cfg, quietLogger())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port)
	var body struct {
		MarketID string            `json:"market_id"`
		Bids     []json.RawMessage `json:"bids"`
		Asks     []json.RawMessage `json:"asks"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/book")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "123", body.MarketID)
	assert.NotEmpty(t, body.Bids)
	assert.NotEmpty(t, body.Asks)

	resp, err := http.Get(base + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server mode did not shut down")
	}
}
