// Package notify alerts operators about feed status transitions over chat
// webhooks. Alerts are queued without blocking the feed and delivered to every
// registered sender by Run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/feed"
)

const (
	queueSize   = 32
	sendTimeout = 10 * time.Second
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type alert struct {
	title   string
	message string
}

// Notifier forwards selected status transitions to its senders.
type Notifier struct {
	senders  []Sender
	statuses map[domain.ConnectionStatus]bool
	logger   *slog.Logger

	queue   chan alert
	dropped atomic.Int64
}

// NewNotifier creates a Notifier that alerts on the given statuses. An empty
// list alerts on every status except idle.
func NewNotifier(senders []Sender, statuses []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.ConnectionStatus]bool, len(statuses))
	for _, s := range statuses {
		allowed[domain.ConnectionStatus(strings.ToLower(strings.TrimSpace(s)))] = true
	}
	return &Notifier{
		senders:  senders,
		statuses: allowed,
		logger:   logger.With(slog.String("component", "notifier")),
		queue:    make(chan alert, queueSize),
	}
}

// Enabled reports whether any sender is registered.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// HandleStatus queues an alert for st when its status is selected. It never
// blocks; alerts beyond the queue capacity are dropped.
func (n *Notifier) HandleStatus(st feed.State) {
	if !n.wants(st.Status) {
		return
	}
	a := alert{
		title: fmt.Sprintf("polybook feed %s", st.Status),
		message: fmt.Sprintf("market %s (session %s) is %s as of %s",
			st.MarketID, st.SessionID, st.Status, st.UpdatedAt.UTC().Format(time.RFC3339)),
	}
	select {
	case n.queue <- a:
	default:
		n.dropped.Add(1)
		n.logger.Warn("alert dropped", slog.String("status", string(st.Status)))
	}
}

func (n *Notifier) wants(s domain.ConnectionStatus) bool {
	if len(n.statuses) == 0 {
		return s != domain.StatusIdle
	}
	return n.statuses[s]
}

// Dropped returns the number of alerts lost to a full queue.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Run delivers queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			_ = n.dispatch(sendCtx, a.title, a.message)
			cancel()
		}
	}
}

// dispatch sends to every sender. A failing sender does not stop delivery
// to the others; failures are combined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// postJSON posts payload to url and expects a 2xx answer.
func postJSON(ctx context.Context, client *http.Client, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(respBody))
	}
	return nil
}
