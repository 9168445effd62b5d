// Package book owns the canonical order book: sorting, cumulative totals and
// update-sequence bookkeeping. Every operation returns a new *domain.OrderBook
// and leaves its input untouched, so readers can hold on to any book they were
// given.
package book

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Delta is one level change on one side.
type Delta struct {
	Side  domain.Side
	Level domain.RawLevel
}

// Initialize builds a book from snapshot levels. Duplicate prices on a side
// collapse to the last occurrence in input order.
func Initialize(marketID string, bids, asks []domain.RawLevel, updateID int64, ts time.Time) *domain.OrderBook {
	return &domain.OrderBook{
		MarketID:     marketID,
		Bids:         buildSide(domain.SideBid, bids, ts),
		Asks:         buildSide(domain.SideAsk, asks, ts),
		LastUpdateID: updateID,
		Timestamp:    ts,
	}
}

// Replace treats a full book payload as an authoritative replacement of cur.
// It is the merge path for feeds without sequence numbers: the update id is
// advanced by one on every call.
func Replace(cur *domain.OrderBook, marketID string, bids, asks []domain.RawLevel, hash string, ts time.Time) *domain.OrderBook {
	var next int64 = 1
	if cur != nil {
		next = cur.LastUpdateID + 1
	}
	b := Initialize(marketID, bids, asks, next, ts)
	b.Hash = hash
	return b
}

// ApplyDelta applies one level change. updateID must be exactly
// cur.LastUpdateID+1.
func ApplyDelta(cur *domain.OrderBook, side domain.Side, lvl domain.RawLevel, updateID int64, ts time.Time) (*domain.OrderBook, error) {
	return ApplyBatch(cur, []Delta{{Side: side, Level: lvl}}, updateID, ts)
}

// ApplyBatch applies several level changes that share one update id. A size
// greater than zero inserts or replaces the level at that price; a zero size
// removes it. Only the touched sides get their totals recomputed.
func ApplyBatch(cur *domain.OrderBook, deltas []Delta, updateID int64, ts time.Time) (*domain.OrderBook, error) {
	if cur == nil {
		return nil, fmt.Errorf("book: apply delta: %w", domain.ErrNoBook)
	}
	if want := cur.LastUpdateID + 1; updateID != want {
		return nil, fmt.Errorf("book: %w: got update %d, want %d", domain.ErrOutOfOrderUpdate, updateID, want)
	}

	next := &domain.OrderBook{
		MarketID:     cur.MarketID,
		Bids:         cur.Bids,
		Asks:         cur.Asks,
		LastUpdateID: updateID,
		Hash:         cur.Hash,
		Timestamp:    ts,
	}

	bidDirty, askDirty := -1, -1
	var bids, asks []domain.Order
	for _, d := range deltas {
		if !d.Level.Price.IsPositive() || d.Level.Size.IsNegative() {
			return nil, fmt.Errorf("book: %w: level %s@%s", domain.ErrValidation, d.Level.Size, d.Level.Price)
		}
		switch d.Side {
		case domain.SideBid:
			if bids == nil {
				bids = slices.Clone(cur.Bids)
				if bids == nil {
					bids = []domain.Order{}
				}
			}
			var at int
			bids, at = applyLevel(domain.SideBid, bids, d.Level, ts)
			bidDirty = minDirty(bidDirty, at)
		case domain.SideAsk:
			if asks == nil {
				asks = slices.Clone(cur.Asks)
				if asks == nil {
					asks = []domain.Order{}
				}
			}
			var at int
			asks, at = applyLevel(domain.SideAsk, asks, d.Level, ts)
			askDirty = minDirty(askDirty, at)
		default:
			return nil, fmt.Errorf("book: %w: unknown side %q", domain.ErrValidation, d.Side)
		}
	}

	if bids != nil {
		recomputeTotals(bids, bidDirty)
		next.Bids = bids
	}
	if asks != nil {
		recomputeTotals(asks, askDirty)
		next.Asks = asks
	}
	return next, nil
}

// Snapshot returns a copy of b that shares no slices with it.
func Snapshot(b *domain.OrderBook) *domain.OrderBook {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Bids = slices.Clone(b.Bids)
	cp.Asks = slices.Clone(b.Asks)
	return &cp
}

// better reports whether price a ranks ahead of price b on side.
func better(side domain.Side, a, b domain.Decimal) bool {
	if side == domain.SideBid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// search returns the index of the first level that does not rank ahead of price.
func search(side domain.Side, levels []domain.Order, price domain.Decimal) int {
	return sort.Search(len(levels), func(i int) bool {
		return !better(side, levels[i].Price, price)
	})
}

func buildSide(side domain.Side, raw []domain.RawLevel, ts time.Time) []domain.Order {
	sorted := slices.Clone(raw)
	sort.SliceStable(sorted, func(i, j int) bool {
		return better(side, sorted[i].Price, sorted[j].Price)
	})

	out := make([]domain.Order, 0, len(sorted))
	for _, r := range sorted {
		if n := len(out); n > 0 && out[n-1].Price.Equal(r.Price) {
			out[n-1].Size = r.Size
			continue
		}
		out = append(out, domain.Order{Price: r.Price, Size: r.Size, Timestamp: ts})
	}
	// A snapshot may carry explicit zero sizes when it came from a delta-mode
	// decoder; they never rest on the book.
	out = slices.DeleteFunc(out, func(o domain.Order) bool { return !o.Size.IsPositive() })
	recomputeTotals(out, 0)
	return out
}

// applyLevel inserts, replaces or removes one level in place and returns the
// first index whose running total is no longer valid.
func applyLevel(side domain.Side, levels []domain.Order, lvl domain.RawLevel, ts time.Time) ([]domain.Order, int) {
	i := search(side, levels, lvl.Price)
	exists := i < len(levels) && levels[i].Price.Equal(lvl.Price)

	switch {
	case lvl.Size.IsZero():
		if exists {
			levels = slices.Delete(levels, i, i+1)
		}
	case exists:
		levels[i].Size = lvl.Size
		levels[i].Timestamp = ts
	default:
		levels = slices.Insert(levels, i, domain.Order{Price: lvl.Price, Size: lvl.Size, Timestamp: ts})
	}
	return levels, i
}

func recomputeTotals(levels []domain.Order, from int) {
	if from < 0 {
		return
	}
	running := domain.Zero
	if from > 0 && from <= len(levels) {
		running = levels[from-1].Total
	}
	for i := from; i < len(levels); i++ {
		running = running.Add(levels[i].Size)
		levels[i].Total = running
	}
}

func minDirty(cur, at int) int {
	if cur < 0 || at < cur {
		return at
	}
	return cur
}
