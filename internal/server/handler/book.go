package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polybook/internal/analytics"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/service"
)

// BookViews defines the view methods the book handler requires.
type BookViews interface {
	Levels() (service.LevelsView, error)
	Raw() (*domain.OrderBook, error)
	Stats() (*domain.OrderBookStats, error)
	Depth(percents []domain.Decimal) ([]domain.Depth, error)
	Imbalance(percent domain.Decimal) (*domain.Imbalance, error)
	Impact(side domain.Side, size domain.Decimal) (domain.PriceImpactResult, error)
	History(limit int) []service.Summary
	Display() analytics.DisplayConfig
	SetDisplay(cfg analytics.DisplayConfig) error
}

// BookHandler serves order book views and display settings.
type BookHandler struct {
	views  BookViews
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler with the given views and logger.
func NewBookHandler(views BookViews, logger *slog.Logger) *BookHandler {
	return &BookHandler{views: views, logger: logger}
}

// GetLevels returns the aggregated book at the active display settings.
// GET /api/book
func (h *BookHandler) GetLevels(w http.ResponseWriter, r *http.Request) {
	view, err := h.views.Levels()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetRaw returns the unaggregated book.
// GET /api/book/raw
func (h *BookHandler) GetRaw(w http.ResponseWriter, r *http.Request) {
	b, err := h.views.Raw()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetStats returns spread and liquidity figures. The body is null while the
// book is one-sided.
// GET /api/book/stats
func (h *BookHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.views.Stats()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetDepth returns liquidity inside percentage bands around the mid.
// GET /api/book/depth?pct=1&pct=2.5 (or pct=1,2.5)
func (h *BookHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	var percents []domain.Decimal
	for _, raw := range r.URL.Query()["pct"] {
		for _, part := range strings.Split(raw, ",") {
			p, err := domain.ParseDecimal(strings.TrimSpace(part))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid pct: "+part)
				return
			}
			percents = append(percents, p)
		}
	}

	bands, err := h.views.Depth(percents)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if bands == nil {
		bands = []domain.Depth{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bands": bands})
}

// GetImbalance compares bid and ask notional near the mid.
// GET /api/book/imbalance?pct=2 (omit pct for the whole book)
func (h *BookHandler) GetImbalance(w http.ResponseWriter, r *http.Request) {
	pct := domain.Zero
	if raw := r.URL.Query().Get("pct"); raw != "" {
		p, err := domain.ParseDecimal(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pct: "+raw)
			return
		}
		pct = p
	}

	im, err := h.views.Imbalance(pct)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, im)
}

// GetImpact simulates a market order against the live book.
// GET /api/book/impact?side=buy&size=150
func (h *BookHandler) GetImpact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side, ok := domain.ParseSide(q.Get("side"))
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	size, err := domain.ParseDecimal(q.Get("size"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid size")
		return
	}

	res, err := h.views.Impact(side, size)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHistory returns summaries of recently accepted books, newest first.
// GET /api/book/history?limit=20
func (h *BookHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"books": h.views.History(parseLimit(r, 20))})
}

// GetDisplay returns the active display settings.
// GET /api/display
func (h *BookHandler) GetDisplay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.views.Display())
}

// UpdateDisplay replaces the display settings. Omitted fields keep their
// current value.
// PUT /api/display
func (h *BookHandler) UpdateDisplay(w http.ResponseWriter, r *http.Request) {
	cfg := h.views.Display()
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.views.SetDisplay(cfg); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.views.Display())
}
