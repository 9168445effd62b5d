package domain

import "time"

// Side is one half of the book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// ParseSide accepts the wire spellings used by the feed ("BUY"/"SELL") as well
// as "bid"/"ask" and "buy"/"sell".
func ParseSide(s string) (Side, bool) {
	switch s {
	case "bid", "bids", "buy", "BUY", "Buy":
		return SideBid, true
	case "ask", "asks", "sell", "SELL", "Sell":
		return SideAsk, true
	}
	return "", false
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// RawLevel is one price/size pair as received from the wire. A zero size in a
// delta means "remove this price level".
type RawLevel struct {
	Price Decimal
	Size  Decimal
}

// Order is one book entry after sorting. Total is the running sum of Size from
// the best price to this entry.
type Order struct {
	Price     Decimal   `json:"price"`
	Size      Decimal   `json:"size"`
	Total     Decimal   `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderBook is the canonical two-sided book for one market. Bids are sorted
// descending and asks ascending by price. Values are never mutated after they
// are handed out; every merge produces a new *OrderBook.
type OrderBook struct {
	MarketID     string    `json:"market_id"`
	Bids         []Order   `json:"bids"`
	Asks         []Order   `json:"asks"`
	LastUpdateID int64     `json:"last_update_id"`
	Hash         string    `json:"hash,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Levels returns the entries of one side.
func (b *OrderBook) Levels(side Side) []Order {
	if b == nil {
		return nil
	}
	if side == SideBid {
		return b.Bids
	}
	return b.Asks
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (Order, bool) {
	if b == nil || len(b.Bids) == 0 {
		return Order{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (Order, bool) {
	if b == nil || len(b.Asks) == 0 {
		return Order{}, false
	}
	return b.Asks[0], true
}

// AggregatedLevel is a display bucket: every raw level whose price rounds to
// Price contributes its size and one to Count.
type AggregatedLevel struct {
	Price Decimal `json:"price"`
	Size  Decimal `json:"size"`
	Total Decimal `json:"total"`
	Count int     `json:"count"`
}

// AggregatedBook is the precision-adjusted view of both sides.
type AggregatedBook struct {
	Precision int               `json:"precision"`
	Bids      []AggregatedLevel `json:"bids"`
	Asks      []AggregatedLevel `json:"asks"`
}

// OrderBookStats summarises the top of book and resting liquidity.
type OrderBookStats struct {
	BestBid          Decimal `json:"best_bid"`
	BestAsk          Decimal `json:"best_ask"`
	Spread           Decimal `json:"spread"`
	MidPrice         Decimal `json:"mid_price"`
	SpreadPercentage Decimal `json:"spread_percentage"`
	TotalBidSize     Decimal `json:"total_bid_size"`
	TotalAskSize     Decimal `json:"total_ask_size"`
	BidNotional      Decimal `json:"bid_notional"`
	AskNotional      Decimal `json:"ask_notional"`
	BidLevels        int     `json:"bid_levels"`
	AskLevels        int     `json:"ask_levels"`
}

// Depth is the liquidity within a percentage band around the mid price.
type Depth struct {
	Percentage Decimal `json:"percentage"`
	BidSize    Decimal `json:"bid_size"`
	AskSize    Decimal `json:"ask_size"`
	LowerPrice Decimal `json:"lower_price"`
	UpperPrice Decimal `json:"upper_price"`
}

// Imbalance compares resting bid and ask notional inside a band around the
// mid. A zero Percentage covers the whole book.
type Imbalance struct {
	Percentage  Decimal `json:"percentage"`
	BidNotional Decimal `json:"bid_notional"`
	AskNotional Decimal `json:"ask_notional"`
	// Ratio is bid over ask notional, zero when the band holds no asks.
	Ratio Decimal `json:"ratio"`
	// Skew is (bid - ask) / (bid + ask), in [-1, 1].
	Skew Decimal `json:"skew"`
}

// ImpactLevel is one level consumed by a simulated fill. Contribution is the
// notional (price * size) this level adds to the fill.
type ImpactLevel struct {
	Price        Decimal `json:"price"`
	Size         Decimal `json:"size"`
	Contribution Decimal `json:"contribution"`
}

// PriceImpactResult is the outcome of walking the book for a given size.
type PriceImpactResult struct {
	Side              Side          `json:"side"`
	RequestedSize     Decimal       `json:"requested_size"`
	AveragePrice      Decimal       `json:"average_price"`
	Impact            Decimal       `json:"impact"`
	FilledSize        Decimal       `json:"filled_size"`
	RemainingSize     Decimal       `json:"remaining_size"`
	Levels            []ImpactLevel `json:"levels"`
	CanFillCompletely bool          `json:"can_fill_completely"`
	Slippage          Decimal       `json:"slippage"`
}
