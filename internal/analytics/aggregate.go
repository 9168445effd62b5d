// Package analytics derives display and execution views from an order book:
// precision buckets, spread statistics, depth bands and walk-the-book fills.
// Every function is a pure query over an immutable *domain.OrderBook.
package analytics

import (
	"fmt"

	"github.com/alanyoungcy/polybook/internal/domain"
)

const (
	MinPrecision = 0
	MaxPrecision = 8
)

// DisplayConfig holds the presentation parameters consumed by Aggregate.
type DisplayConfig struct {
	PrecisionDigits int `json:"precision_digits"`
	RowCount        int `json:"row_count"`
}

// Validate rejects out-of-range display parameters.
func (c DisplayConfig) Validate() error {
	if err := ValidatePrecision(c.PrecisionDigits); err != nil {
		return err
	}
	if c.RowCount <= 0 {
		return fmt.Errorf("analytics: %w: row count must be positive, got %d", domain.ErrInvalidConfiguration, c.RowCount)
	}
	return nil
}

// ValidatePrecision checks precision against [MinPrecision, MaxPrecision].
func ValidatePrecision(precision int) error {
	if precision < MinPrecision || precision > MaxPrecision {
		return fmt.Errorf("analytics: %w: precision must be in [%d, %d], got %d",
			domain.ErrInvalidConfiguration, MinPrecision, MaxPrecision, precision)
	}
	return nil
}

// Aggregate buckets each side by price rounded half-up to precision decimal
// places. Bucket totals are running sums over buckets, not copies of raw totals.
func Aggregate(b *domain.OrderBook, precision int) (domain.AggregatedBook, error) {
	if err := ValidatePrecision(precision); err != nil {
		return domain.AggregatedBook{}, err
	}
	out := domain.AggregatedBook{Precision: precision}
	if b == nil {
		return out, nil
	}
	out.Bids = aggregateSide(b.Bids, precision)
	out.Asks = aggregateSide(b.Asks, precision)
	return out, nil
}

// View aggregates at cfg.PrecisionDigits and keeps the best cfg.RowCount
// buckets per side.
func View(b *domain.OrderBook, cfg DisplayConfig) (domain.AggregatedBook, error) {
	if err := cfg.Validate(); err != nil {
		return domain.AggregatedBook{}, err
	}
	agg, err := Aggregate(b, cfg.PrecisionDigits)
	if err != nil {
		return agg, err
	}
	agg.Bids = limit(agg.Bids, cfg.RowCount)
	agg.Asks = limit(agg.Asks, cfg.RowCount)
	return agg, nil
}

func aggregateSide(levels []domain.Order, precision int) []domain.AggregatedLevel {
	out := make([]domain.AggregatedLevel, 0, len(levels))
	places := int32(precision)
	for _, o := range levels {
		// Round is half away from zero, which is half-up for positive prices.
		key := o.Price.Round(places)
		// Rounding is monotonic, so equal keys are always adjacent in a
		// sorted side.
		if n := len(out); n > 0 && out[n-1].Price.Equal(key) {
			out[n-1].Size = out[n-1].Size.Add(o.Size)
			out[n-1].Count++
			continue
		}
		out = append(out, domain.AggregatedLevel{Price: key, Size: o.Size, Count: 1})
	}
	running := domain.Zero
	for i := range out {
		running = running.Add(out[i].Size)
		out[i].Total = running
	}
	return out
}

func limit(levels []domain.AggregatedLevel, n int) []domain.AggregatedLevel {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}
