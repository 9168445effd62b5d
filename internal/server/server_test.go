package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/analytics"
	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/feed"
	"github.com/alanyoungcy/polybook/internal/history"
	"github.com/alanyoungcy/polybook/internal/metrics"
	"github.com/alanyoungcy/polybook/internal/server/handler"
	"github.com/alanyoungcy/polybook/internal/server/ws"
	"github.com/alanyoungcy/polybook/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lvl(price, size string) domain.RawLevel {
	return domain.RawLevel{Price: domain.MustDecimal(price), Size: domain.MustDecimal(size)}
}

// fakeFeed is a FeedController and service.BookSource backed by fields.
type fakeFeed struct {
	mu       sync.Mutex
	book     *domain.OrderBook
	state    feed.State
	startErr error
	started  []string
	stopped  int
	reconErr error
	recons   int
}

func (f *fakeFeed) Start(_ context.Context, marketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, marketID)
	if f.startErr != nil {
		return f.startErr
	}
	f.state = feed.State{MarketID: marketID, SessionID: "s1", Status: domain.StatusConnected}
	return nil
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.book = nil
	f.state = feed.State{Status: domain.StatusIdle}
}

func (f *fakeFeed) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recons++
	return f.reconErr
}

func (f *fakeFeed) State() feed.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFeed) setErrs(start, reconnect error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr, f.reconErr = start, reconnect
}

func (f *fakeFeed) Book() *domain.OrderBook {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.book
}

type fakeEvents struct {
	events []domain.FeedEvent
	err    error
	market string
	limit  int
}

func (e *fakeEvents) List(_ context.Context, marketID string, limit int) ([]domain.FeedEvent, error) {
	e.market, e.limit = marketID, limit
	return e.events, e.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeLimiter struct {
	mu    sync.Mutex
	calls int
}

func (l *fakeLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.calls <= limit, nil
}

type harness struct {
	feed   *fakeFeed
	window *history.Window
	views  *service.ViewService
	hub    *ws.Hub
	srv    *httptest.Server
}

type harnessOpts struct {
	cfg     Config
	events  handler.EventLister
	checks  map[string]handler.Pinger
	limiter domain.RateLimiter
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	logger := testLogger()
	ff := &fakeFeed{state: feed.State{Status: domain.StatusIdle}}
	window := history.NewWindow(10)
	views, err := service.NewViewService(ff, window,
		analytics.DisplayConfig{PrecisionDigits: 2, RowCount: 10},
		[]domain.Decimal{domain.MustDecimal("1")}, logger)
	require.NoError(t, err)

	hub := ws.NewHub(logger, ws.Config{Mode: "server", Welcome: func() any { return ff.State() }})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(cancel)

	handlers := Handlers{
		Health:  handler.NewHealthHandler(o.checks, logger),
		Feed:    handler.NewFeedHandler(ff, "server", logger),
		Book:    handler.NewBookHandler(views, logger),
		Events:  handler.NewEventsHandler(o.events, logger),
		Metrics: metrics.New().Handler(),
	}
	s := NewServer(o.cfg, handlers, hub, o.limiter, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &harness{feed: ff, window: window, views: views, hub: hub, srv: ts}
}

func (h *harness) setBook(b *domain.OrderBook) {
	h.feed.mu.Lock()
	h.feed.book = b
	h.feed.mu.Unlock()
	h.window.Push(b)
}

func (h *harness) do(t *testing.T, method, path, body string, hdr ...string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func scenarioBook() *domain.OrderBook {
	return book.Initialize("m1",
		[]domain.RawLevel{lvl("1.23", "100"), lvl("1.22", "50")},
		[]domain.RawLevel{lvl("1.24", "80"), lvl("1.25", "40")},
		5, time.Unix(1700000000, 0))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{checks: map[string]handler.Pinger{"redis": fakePinger{}, "postgres": nil}})
	code, body := h.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok"}, body["dependencies"])

	h = newHarness(t, harnessOpts{checks: map[string]handler.Pinger{"redis": fakePinger{err: errors.New("down")}}})
	code, body = h.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestBookEndpoints_NoBook(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for _, path := range []string{"/api/book", "/api/book/raw", "/api/book/stats", "/api/book/depth", "/api/book/imbalance", "/api/book/impact?side=buy&size=1"} {
		code, body := h.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, code, path)
		assert.Equal(t, "no order book loaded", body["error"], path)
	}
}

func TestBookEndpoints(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.setBook(scenarioBook())

	code, body := h.do(t, http.MethodGet, "/api/book", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "m1", body["market_id"])
	bids := body["bids"].([]any)
	require.Len(t, bids, 2)
	assert.Equal(t, "1.23", bids[0].(map[string]any)["price"])

	code, body = h.do(t, http.MethodGet, "/api/book/raw", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, body["last_update_id"])

	code, body = h.do(t, http.MethodGet, "/api/book/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1.235", body["mid_price"])

	code, body = h.do(t, http.MethodGet, "/api/book/depth?pct=1,2", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["bands"], 2)

	code, _ = h.do(t, http.MethodGet, "/api/book/depth?pct=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodGet, "/api/book/depth?pct=150", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodGet, "/api/book/imbalance", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "184", body["bid_notional"])
	assert.Equal(t, "149.2", body["ask_notional"])

	code, _ = h.do(t, http.MethodGet, "/api/book/imbalance?pct=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodGet, "/api/book/imbalance?pct=150", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodGet, "/api/book/impact?side=buy&size=150", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "120", body["filled_size"])
	assert.Equal(t, "30", body["remaining_size"])
	assert.Equal(t, false, body["can_fill_completely"])

	code, _ = h.do(t, http.MethodGet, "/api/book/impact?side=up&size=1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodGet, "/api/book/impact?side=sell&size=0", "")
	assert.Equal(t, http.StatusBadRequest, code)

	for _, path := range []string{
		"/api/book/impact?side=buy&size=1e20000000",
		"/api/book/depth?pct=1e-20000000",
		"/api/book/imbalance?pct=1e20000000",
	} {
		code, _ = h.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, code, path)
	}

	code, body = h.do(t, http.MethodGet, "/api/book/history?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["books"], 1)
}

func TestDisplayEndpoints(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	code, body := h.do(t, http.MethodGet, "/api/display", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["precision_digits"])

	code, body = h.do(t, http.MethodPut, "/api/display", `{"precision_digits":1}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["precision_digits"])
	assert.EqualValues(t, 10, body["row_count"])

	code, _ = h.do(t, http.MethodPut, "/api/display", `{"row_count":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPut, "/api/display", `{"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, analytics.DisplayConfig{PrecisionDigits: 1, RowCount: 10}, h.views.Display())
}

func TestMarketControl(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	code, body := h.do(t, http.MethodPost, "/api/market", `{"market_id":"123"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "123", body["market_id"])
	assert.Equal(t, "connected", body["status"])

	code, body = h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "server", body["mode"])
	assert.Equal(t, "s1", body["session_id"])

	code, _ = h.do(t, http.MethodPost, "/api/reconnect", "")
	assert.Equal(t, http.StatusAccepted, code)

	code, body = h.do(t, http.MethodDelete, "/api/market", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", body["status"])
	h.feed.mu.Lock()
	assert.Equal(t, 1, h.feed.stopped)
	h.feed.mu.Unlock()

	h.feed.setErrs(errors.Join(domain.ErrSnapshotFetch, domain.ErrNotFound), nil)
	code, _ = h.do(t, http.MethodPost, "/api/market", `{"market_id":"404"}`)
	assert.Equal(t, http.StatusNotFound, code)

	h.feed.setErrs(domain.ErrSnapshotFetch, domain.ErrNoBook)
	code, _ = h.do(t, http.MethodPost, "/api/market", `{"market_id":"500"}`)
	assert.Equal(t, http.StatusBadGateway, code)

	code, _ = h.do(t, http.MethodPost, "/api/reconnect", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = h.do(t, http.MethodPost, "/api/market", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEvents(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	code, body := h.do(t, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "event journal disabled", body["error"])

	ev := &fakeEvents{events: []domain.FeedEvent{{ID: 1, MarketID: "m1", Kind: domain.FeedEventStart}}}
	h = newHarness(t, harnessOpts{events: ev})
	code, body = h.do(t, http.MethodGet, "/api/events?market=m1&limit=9999", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["events"], 1)
	assert.Equal(t, "m1", ev.market)
	assert.Equal(t, 500, ev.limit)

	ev.err = errors.New("db down")
	code, _ = h.do(t, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "polybook_stream_reconnects_total")
}

func TestAuth(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{APIKey: "secret"}})

	code, _ := h.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = h.do(t, http.MethodGet, "/api/status", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = h.do(t, http.MethodGet, "/api/status", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/api/status", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/api/status?token=secret", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{RateLimit: 2, RateWindow: time.Second}, limiter: &fakeLimiter{}})
	for i := 0; i < 2; i++ {
		code, _ := h.do(t, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, code)
	}
	code, body := h.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestCORS(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{CORSOrigins: []string{"https://app.example"}}})
	code, _ := h.do(t, http.MethodOptions, "/api/book", "", "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = h.do(t, http.MethodOptions, "/api/book", "", "Origin", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, code)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://APP.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://APP.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", resp.Header.Get("Vary"))
}

func readFrame(t *testing.T, conn *websocket.Conn) ws.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env ws.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestWebsocketPush(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.feed.state = feed.State{MarketID: "m1", Status: domain.StatusConnected}

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "hello", readFrame(t, conn).Type)
	st := readFrame(t, conn)
	assert.Equal(t, ws.TypeStatus, st.Type)
	assert.Equal(t, "connected", st.Payload.(map[string]any)["status"])

	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// After the unsubscribe lands, a round of status+book yields only the book.
	require.NoError(t, conn.WriteJSON(map[string]any{"unsubscribe": []string{ws.TypeStatus}}))
	deadline := time.Now().Add(2 * time.Second)
	for round := 1; ; round++ {
		require.True(t, time.Now().Before(deadline), "status frames still delivered")
		h.hub.Broadcast(ws.TypeStatus, map[string]any{"status": "error"})
		h.hub.Broadcast(ws.TypeBook, map[string]any{"round": round})

		sawStatus := false
		for {
			env := readFrame(t, conn)
			if env.Type == ws.TypeStatus {
				sawStatus = true
				continue
			}
			if env.Payload.(map[string]any)["round"] == float64(round) {
				break
			}
		}
		if !sawStatus {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
}
