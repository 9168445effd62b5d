package analytics

import (
	"fmt"

	"github.com/alanyoungcy/polybook/internal/domain"
)

var (
	one     = domain.MustDecimal("1")
	hundred = domain.MustDecimal("100")
)

// Stats returns nil when either side of the book is empty.
func Stats(b *domain.OrderBook) *domain.OrderBookStats {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return nil
	}

	spread := ask.Price.Sub(bid.Price)
	mid := domain.Mid(bid.Price, ask.Price)
	return &domain.OrderBookStats{
		BestBid:          bid.Price,
		BestAsk:          ask.Price,
		Spread:           spread,
		MidPrice:         mid,
		SpreadPercentage: domain.Percent(spread, mid),
		TotalBidSize:     b.Bids[len(b.Bids)-1].Total,
		TotalAskSize:     b.Asks[len(b.Asks)-1].Total,
		BidNotional:      notional(b.Bids),
		AskNotional:      notional(b.Asks),
		BidLevels:        len(b.Bids),
		AskLevels:        len(b.Asks),
	}
}

// DepthAt sums bid size priced at or above mid*(1-p) and ask size priced at or
// below mid*(1+p). p is a fraction: 0.01 is a one percent band.
func DepthAt(b *domain.OrderBook, p domain.Decimal) (*domain.Depth, error) {
	if p.IsNegative() || p.GreaterThan(one) {
		return nil, fmt.Errorf("analytics: %w: depth band %s outside [0, 1]", domain.ErrInvalidConfiguration, p)
	}
	st := Stats(b)
	if st == nil {
		return nil, nil
	}

	lower := st.MidPrice.Mul(one.Sub(p))
	upper := st.MidPrice.Mul(one.Add(p))
	d := &domain.Depth{
		Percentage: p.Mul(hundred),
		BidSize:    domain.Zero,
		AskSize:    domain.Zero,
		LowerPrice: lower,
		UpperPrice: upper,
	}
	for _, o := range b.Bids {
		if o.Price.LessThan(lower) {
			break
		}
		d.BidSize = d.BidSize.Add(o.Size)
	}
	for _, o := range b.Asks {
		if o.Price.GreaterThan(upper) {
			break
		}
		d.AskSize = d.AskSize.Add(o.Size)
	}
	return d, nil
}

// DepthBands evaluates DepthAt for each band given in percent (1 = 1%).
// It returns nil when the book has no two-sided market.
func DepthBands(b *domain.OrderBook, percents []domain.Decimal) ([]domain.Depth, error) {
	out := make([]domain.Depth, 0, len(percents))
	for _, pct := range percents {
		d, err := DepthAt(b, pct.Div(hundred))
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, nil
		}
		out = append(out, *d)
	}
	return out, nil
}

// ratioPlaces bounds the scale of imbalance ratios.
const ratioPlaces = 8

// ImbalanceAt compares bid and ask notional priced within mid*(1-p) and
// mid*(1+p). A zero p covers the whole book. It returns nil when the book has
// no two-sided market.
func ImbalanceAt(b *domain.OrderBook, p domain.Decimal) (*domain.Imbalance, error) {
	if p.IsNegative() || p.GreaterThan(one) {
		return nil, fmt.Errorf("analytics: %w: imbalance band %s outside [0, 1]", domain.ErrInvalidConfiguration, p)
	}
	st := Stats(b)
	if st == nil {
		return nil, nil
	}

	bids, asks := b.Bids, b.Asks
	if p.IsPositive() {
		lower := st.MidPrice.Mul(one.Sub(p))
		upper := st.MidPrice.Mul(one.Add(p))
		bids = bids[:within(bids, func(o domain.Order) bool { return !o.Price.LessThan(lower) })]
		asks = asks[:within(asks, func(o domain.Order) bool { return !o.Price.GreaterThan(upper) })]
	}

	im := &domain.Imbalance{
		Percentage:  p.Mul(hundred),
		BidNotional: notional(bids),
		AskNotional: notional(asks),
		Ratio:       domain.Zero,
		Skew:        domain.Zero,
	}
	if im.AskNotional.IsPositive() {
		im.Ratio = im.BidNotional.Div(im.AskNotional).Round(ratioPlaces)
	}
	if total := im.BidNotional.Add(im.AskNotional); total.IsPositive() {
		im.Skew = im.BidNotional.Sub(im.AskNotional).Div(total).Round(ratioPlaces)
	}
	return im, nil
}

// ImbalanceBand is ImbalanceAt with the band given in percent.
func ImbalanceBand(b *domain.OrderBook, percent domain.Decimal) (*domain.Imbalance, error) {
	return ImbalanceAt(b, percent.Div(hundred))
}

// within returns the length of the best-first prefix of levels matching keep.
func within(levels []domain.Order, keep func(domain.Order) bool) int {
	for i, o := range levels {
		if !keep(o) {
			return i
		}
	}
	return len(levels)
}

func notional(levels []domain.Order) domain.Decimal {
	sum := domain.Zero
	for _, o := range levels {
		sum = sum.Add(o.Price.Mul(o.Size))
	}
	return sum
}
