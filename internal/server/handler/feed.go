package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polybook/internal/feed"
)

// FeedController is the coordinator surface exposed over HTTP.
type FeedController interface {
	Start(ctx context.Context, marketID string) error
	Stop()
	Reconnect(ctx context.Context) error
	State() feed.State
}

// FeedHandler serves session status and market control endpoints.
type FeedHandler struct {
	feed   FeedController
	mode   string
	logger *slog.Logger
}

// NewFeedHandler creates a FeedHandler.
func NewFeedHandler(fc FeedController, mode string, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{feed: fc, mode: mode, logger: logger}
}

type statusResponse struct {
	Mode string `json:"mode"`
	feed.State
}

// GetStatus responds with the connection status and session details.
// GET /api/status
func (h *FeedHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Mode: h.mode, State: h.feed.State()})
}

type startRequest struct {
	MarketID string `json:"market_id"`
}

// StartMarket switches the live book to another market. It returns once the
// snapshot is installed.
// POST /api/market {"market_id": "..."}
func (h *FeedHandler) StartMarket(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.feed.Start(r.Context(), req.MarketID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.feed.State())
}

// StopMarket drops the live book and closes the stream.
// DELETE /api/market
func (h *FeedHandler) StopMarket(w http.ResponseWriter, r *http.Request) {
	h.feed.Stop()
	writeJSON(w, http.StatusOK, h.feed.State())
}

// Reconnect forces a fresh stream connection, leaving any error state.
// POST /api/reconnect
func (h *FeedHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.Reconnect(r.Context()); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.feed.State())
}
