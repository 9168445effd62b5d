package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// EventLister reads the feed event journal.
type EventLister interface {
	List(ctx context.Context, marketID string, limit int) ([]domain.FeedEvent, error)
}

// EventsHandler serves the feed event journal.
type EventsHandler struct {
	events EventLister
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler. A nil lister means the journal
// is disabled.
func NewEventsHandler(events EventLister, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{events: events, logger: logger}
}

// ListEvents returns journal entries, newest first.
// GET /api/events?market=...&limit=50
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event journal disabled")
		return
	}

	events, err := h.events.List(r.Context(), r.URL.Query().Get("market"), parseLimit(r, 50))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list feed events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list feed events")
		return
	}
	if events == nil {
		events = []domain.FeedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
