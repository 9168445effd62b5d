package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/metrics"
	"github.com/alanyoungcy/polybook/internal/normalize"
)

// resyncTimeout bounds a forced re-snapshot.
const resyncTimeout = 30 * time.Second

// streamMessageHandler merges frames for one session. Frames from a previous
// session are dropped.
func (c *Coordinator) streamMessageHandler(gen uint64) func([]byte) {
	return func(data []byte) {
		events, parseErr := c.opts.Parse(data)

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		if parseErr != nil {
			c.dropInvalidLocked(parseErr)
		}
		for _, ev := range events {
			c.applyLocked(ev)
		}
	}
}

func (c *Coordinator) applyLocked(ev domain.StreamEvent) {
	switch ev.Kind {
	case domain.StreamEventBook:
		if ev.Book == nil || !c.forMarket(ev.Book.AssetID) {
			c.opts.Metrics.Message(metrics.ResultIgnored)
			return
		}
		c.applyBookLocked(ev.Book)
	case domain.StreamEventChanges:
		if ev.Changes == nil || !c.forMarket(ev.Changes.AssetID) {
			c.opts.Metrics.Message(metrics.ResultIgnored)
			return
		}
		c.applyChangesLocked(ev.Changes)
	default:
		c.opts.Metrics.Message(metrics.ResultIgnored)
	}
}

func (c *Coordinator) forMarket(assetID string) bool {
	return assetID == "" || assetID == c.marketID
}

// applyBookLocked installs a full book from the stream.
func (c *Coordinator) applyBookLocked(raw *domain.RawBook) {
	bids, err := c.opts.Decoder.Decode(raw.Bids, normalize.ModeSnapshot)
	if err != nil {
		c.dropInvalidLocked(err)
		return
	}
	asks, err := c.opts.Decoder.Decode(raw.Asks, normalize.ModeSnapshot)
	if err != nil {
		c.dropInvalidLocked(err)
		return
	}
	ts := c.stamp(raw.Timestamp)

	var ob *domain.OrderBook
	switch c.opts.Policy {
	case PolicySequenced:
		if raw.Seq == nil {
			c.opts.Metrics.Message(metrics.ResultOutOfOrder)
			c.resyncLocked("book event without seq")
			return
		}
		if cur := c.book.Load(); cur != nil && *raw.Seq <= cur.LastUpdateID {
			c.opts.Metrics.Message(metrics.ResultIgnored)
			return
		}
		ob = book.Initialize(c.marketID, bids, asks, *raw.Seq, ts)
		ob.Hash = raw.Hash
		c.anchored = true
		if c.resyncing {
			// A full book supersedes the pending re-snapshot.
			c.resyncing = false
			c.resyncID++
		}
	default:
		ob = book.Replace(c.book.Load(), c.marketID, bids, asks, raw.Hash, ts)
	}
	c.publishLocked(ob)
	c.opts.Metrics.Message(metrics.ResultApplied)
}

// applyChangesLocked merges one batch of level deltas.
func (c *Coordinator) applyChangesLocked(rc *domain.RawChanges) {
	cur := c.book.Load()
	if cur == nil || c.resyncing {
		c.opts.Metrics.Message(metrics.ResultIgnored)
		return
	}

	deltas := make([]book.Delta, 0, len(rc.Changes))
	for _, ch := range rc.Changes {
		side, ok := domain.ParseSide(ch.Side)
		if !ok {
			c.dropInvalidLocked(errors.New("unknown side " + ch.Side))
			return
		}
		lvl, _, err := normalize.Level(ch.Price, ch.Size, normalize.ModeDelta)
		if err != nil {
			c.dropInvalidLocked(err)
			return
		}
		deltas = append(deltas, book.Delta{Side: side, Level: lvl})
	}
	if len(deltas) == 0 {
		c.opts.Metrics.Message(metrics.ResultIgnored)
		return
	}

	updateID := cur.LastUpdateID + 1
	if c.opts.Policy == PolicySequenced {
		if rc.Seq == nil {
			c.opts.Metrics.Message(metrics.ResultOutOfOrder)
			c.resyncLocked("price change without seq")
			return
		}
		seq := *rc.Seq
		switch {
		case seq <= cur.LastUpdateID:
			// Already contained in the installed book.
			c.opts.Metrics.Message(metrics.ResultIgnored)
			return
		case !c.anchored:
			// First newer delta after a snapshot without seq sets the baseline.
			cur = book.Snapshot(cur)
			cur.LastUpdateID = seq - 1
			c.anchored = true
		}
		updateID = seq
	}

	ob, err := book.ApplyBatch(cur, deltas, updateID, c.stamp(rc.Timestamp))
	switch {
	case errors.Is(err, domain.ErrOutOfOrderUpdate):
		c.opts.Metrics.Message(metrics.ResultOutOfOrder)
		c.logger.Warn("sequence gap",
			slog.String("market", c.marketID),
			slog.Int64("last_update_id", cur.LastUpdateID),
			slog.Int64("update_id", updateID),
		)
		c.resyncLocked("sequence gap")
		return
	case err != nil:
		c.dropInvalidLocked(err)
		return
	}
	if rc.Hash != "" {
		ob.Hash = rc.Hash
	}
	c.publishLocked(ob)
	c.opts.Metrics.Message(metrics.ResultApplied)
}

// dropInvalidLocked logs a malformed message. It never changes status.
func (c *Coordinator) dropInvalidLocked(err error) {
	c.opts.Metrics.Message(metrics.ResultInvalid)
	c.invalid++
	c.logger.Warn("dropped invalid message",
		slog.String("market", c.marketID),
		slog.String("error", err.Error()),
	)
	if c.invalid == 1 || c.invalid%invalidSampleEvery == 0 {
		c.recordLocked(domain.FeedEventInvalid, map[string]any{"count": c.invalid, "error": err.Error()})
	}
}

// resyncLocked starts a forced re-snapshot unless one is already running.
// Deltas are dropped until it lands or a full book event supersedes it.
func (c *Coordinator) resyncLocked(reason string) {
	if c.resyncing {
		return
	}
	c.resyncing = true
	c.resyncID++
	id, gen, market := c.resyncID, c.gen, c.marketID
	c.storeStateLocked()

	c.opts.Metrics.Resync()
	c.recordLocked(domain.FeedEventResync, map[string]any{"reason": reason})
	c.logger.Info("resync started", slog.String("market", market), slog.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	prevCancel := c.cancel
	c.cancel = func() {
		cancel()
		if prevCancel != nil {
			prevCancel()
		}
	}
	go c.resync(ctx, cancel, gen, id, market)
}

func (c *Coordinator) resync(ctx context.Context, cancel context.CancelFunc, gen, id uint64, market string) {
	defer cancel()

	began := time.Now()
	raw, fetchErr := c.opts.Fetcher.FetchSnapshot(ctx, market)
	c.opts.Metrics.ObserveSnapshotFetch(time.Since(began))

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || id != c.resyncID || !c.resyncing {
		return
	}
	c.resyncing = false

	ob, err := c.snapshotBook(raw, fetchErr, market)
	if err != nil {
		// The stale book stays; the next gap retries.
		c.storeStateLocked()
		c.logger.Error("resync failed", slog.String("market", market), slog.String("error", err.Error()))
		return
	}
	if cur := c.book.Load(); cur != nil {
		switch {
		case raw.Seq == nil:
			// No seq: keep the current id until the next delta re-bases it.
			ob.LastUpdateID = cur.LastUpdateID
		case *raw.Seq < cur.LastUpdateID:
			c.storeStateLocked()
			c.logger.Warn("resync snapshot older than book",
				slog.String("market", market),
				slog.Int64("last_update_id", cur.LastUpdateID),
				slog.Int64("snapshot_seq", *raw.Seq),
			)
			return
		}
	}
	c.anchored = raw.Seq != nil
	c.publishLocked(ob)
	c.logger.Info("resync complete", slog.String("market", market), slog.Int64("last_update_id", ob.LastUpdateID))
}
