package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
)

// OrderbookCache implements domain.OrderbookCache with one sorted set and one
// size hash per side. Prices are stored as exact decimal strings; the sorted
// set score only orders them.
//
// Key schema:
//
//	book:{marketID}:bids     - sorted set of bid prices (score = price)
//	book:{marketID}:asks     - sorted set of ask prices (score = price)
//	book:{marketID}:bid:size - hash price -> size for bids
//	book:{marketID}:ask:size - hash price -> size for asks
//	book:{marketID}:bbo      - hash with fields "bid" and "ask"
//	book:{marketID}:meta     - hash with "ts", "update_id" and "hash"
type OrderbookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewOrderbookCache creates an OrderbookCache. A positive ttl expires every
// key of a book that stops being refreshed.
func NewOrderbookCache(c *Client, ttl time.Duration) *OrderbookCache {
	return &OrderbookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookBidsKey(marketID string) string    { return "book:" + marketID + ":bids" }
func bookAsksKey(marketID string) string    { return "book:" + marketID + ":asks" }
func bookBidSizeKey(marketID string) string { return "book:" + marketID + ":bid:size" }
func bookAskSizeKey(marketID string) string { return "book:" + marketID + ":ask:size" }
func bookBBOKey(marketID string) string     { return "book:" + marketID + ":bbo" }
func bookMetaKey(marketID string) string    { return "book:" + marketID + ":meta" }

// SetSnapshot replaces the cached book in one MULTI/EXEC.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, b *domain.OrderBook) error {
	if b == nil || b.MarketID == "" {
		return fmt.Errorf("redis: set orderbook snapshot: %w: empty book", domain.ErrValidation)
	}
	id := b.MarketID
	keys := []string{
		bookBidsKey(id), bookAsksKey(id),
		bookBidSizeKey(id), bookAskSizeKey(id),
		bookBBOKey(id), bookMetaKey(id),
	}

	pipe := oc.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	writeSide(ctx, pipe, keys[0], keys[2], b.Bids)
	writeSide(ctx, pipe, keys[1], keys[3], b.Asks)
	if bbo := bboFields(b); len(bbo) > 0 {
		pipe.HSet(ctx, keys[4], bbo)
	}
	pipe.HSet(ctx, keys[5], metaFields(b))
	if oc.ttl > 0 {
		for _, k := range keys {
			pipe.Expire(ctx, k, oc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set orderbook snapshot %s: %w", id, err)
	}
	return nil
}

func writeSide(ctx context.Context, pipe redis.Pipeliner, zKey, hKey string, levels []domain.Order) {
	members, sizes := sideEntries(levels)
	if len(members) == 0 {
		return
	}
	pipe.ZAdd(ctx, zKey, members...)
	pipe.HSet(ctx, hKey, sizes)
}

// sideEntries encodes one side as sorted-set members keyed by the exact price
// string plus the matching price -> size hash fields.
func sideEntries(levels []domain.Order) ([]redis.Z, map[string]any) {
	members := make([]redis.Z, 0, len(levels))
	sizes := make(map[string]any, len(levels))
	for _, o := range levels {
		price := o.Price.String()
		members = append(members, redis.Z{Score: o.Price.InexactFloat64(), Member: price})
		sizes[price] = o.Size.String()
	}
	return members, sizes
}

// bboFields holds the best price of each non-empty side.
func bboFields(b *domain.OrderBook) map[string]any {
	fields := make(map[string]any, 2)
	if bid, ok := b.BestBid(); ok {
		fields["bid"] = bid.Price.String()
	}
	if ask, ok := b.BestAsk(); ok {
		fields["ask"] = ask.Price.String()
	}
	return fields
}

func metaFields(b *domain.OrderBook) map[string]any {
	return map[string]any{
		"ts":        strconv.FormatInt(b.Timestamp.UnixNano(), 10),
		"update_id": strconv.FormatInt(b.LastUpdateID, 10),
		"hash":      b.Hash,
	}
}

// parseMeta reverses metaFields. Unparseable numbers decode as zero.
func parseMeta(meta map[string]string) (ts time.Time, updateID int64, hash string) {
	if n, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		ts = time.Unix(0, n)
	}
	updateID, _ = strconv.ParseInt(meta["update_id"], 10, 64)
	return ts, updateID, meta["hash"]
}

// GetSnapshot rebuilds the cached book. It returns domain.ErrNotFound when
// nothing is cached for marketID.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, marketID string) (*domain.OrderBook, error) {
	pipe := oc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRange(ctx, bookBidsKey(marketID), 0, -1)
	asksCmd := pipe.ZRange(ctx, bookAsksKey(marketID), 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, bookBidSizeKey(marketID))
	askSizeCmd := pipe.HGetAll(ctx, bookAskSizeKey(marketID))
	metaCmd := pipe.HGetAll(ctx, bookMetaKey(marketID))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get orderbook snapshot %s: %w", marketID, err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, domain.ErrNotFound
	}
	ts, updateID, hash := parseMeta(meta)

	bids, err := readSide(bidsCmd.Val(), bidSizeCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("redis: get orderbook snapshot %s: %w", marketID, err)
	}
	asks, err := readSide(asksCmd.Val(), askSizeCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("redis: get orderbook snapshot %s: %w", marketID, err)
	}

	b := book.Initialize(marketID, bids, asks, updateID, ts)
	b.Hash = hash
	return b, nil
}

func readSide(prices []string, sizes map[string]string) ([]domain.RawLevel, error) {
	out := make([]domain.RawLevel, 0, len(prices))
	for _, p := range prices {
		price, err := domain.ParseDecimal(p)
		if err != nil {
			return nil, err
		}
		size, err := domain.ParseDecimal(sizes[p])
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RawLevel{Price: price, Size: size})
	}
	return out, nil
}

// GetBBO returns the cached best bid and ask. A missing side is zero. It
// returns domain.ErrNotFound when no book is cached.
func (oc *OrderbookCache) GetBBO(ctx context.Context, marketID string) (bestBid, bestAsk domain.Decimal, err error) {
	vals, err := oc.rdb.HGetAll(ctx, bookBBOKey(marketID)).Result()
	if err != nil {
		return domain.Zero, domain.Zero, fmt.Errorf("redis: get bbo %s: %w", marketID, err)
	}
	if len(vals) == 0 {
		return domain.Zero, domain.Zero, domain.ErrNotFound
	}

	bestBid, bestAsk, err = parseBBO(vals)
	if err != nil {
		return domain.Zero, domain.Zero, fmt.Errorf("redis: get bbo %s: %w", marketID, err)
	}
	return bestBid, bestAsk, nil
}

func parseBBO(vals map[string]string) (bestBid, bestAsk domain.Decimal, err error) {
	bestBid, bestAsk = domain.Zero, domain.Zero
	if s, ok := vals["bid"]; ok {
		if bestBid, err = domain.ParseDecimal(s); err != nil {
			return domain.Zero, domain.Zero, err
		}
	}
	if s, ok := vals["ask"]; ok {
		if bestAsk, err = domain.ParseDecimal(s); err != nil {
			return domain.Zero, domain.Zero, err
		}
	}
	return bestBid, bestAsk, nil
}

// Compile-time interface check.
var _ domain.OrderbookCache = (*OrderbookCache)(nil)
