package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// flexTime unmarshals timestamps sent as epoch seconds or milliseconds (JSON
// string or number) or as RFC 3339 text.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			*f = flexTime(time.UnixMilli(n))
		} else {
			*f = flexTime(time.Unix(n, 0))
		}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	*f = flexTime(t)
	return nil
}

// flexInt64 unmarshals from a JSON number or numeric string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("sequence %q: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

// --------------------------------------------------------------------------
// CLOB REST and market channel DTOs
// --------------------------------------------------------------------------

// BookMessage is a full order book. The REST /book endpoint and the "book"
// stream event share this shape; the stream may name the sides buys/sells.
type BookMessage struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Timestamp flexTime        `json:"timestamp"`
	Hash      string          `json:"hash"`
	Seq       *flexInt64      `json:"seq,omitempty"`
	Bids      json.RawMessage `json:"bids"`
	Asks      json.RawMessage `json:"asks"`
	Buys      json.RawMessage `json:"buys"`
	Sells     json.RawMessage `json:"sells"`
}

// PriceChangeMessage carries per-level deltas. Older payloads put asset_id
// on the message; newer ones put it on each entry of price_changes.
type PriceChangeMessage struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Timestamp    flexTime        `json:"timestamp"`
	Hash         string          `json:"hash"`
	Seq          *flexInt64      `json:"seq,omitempty"`
	Changes      []WSPriceChange `json:"changes"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSPriceChange is one entry of a price_change event.
type WSPriceChange struct {
	AssetID string          `json:"asset_id"`
	Price   json.RawMessage `json:"price"`
	Size    json.RawMessage `json:"size"`
	Side    string          `json:"side"` // "BUY" or "SELL"
	Hash    string          `json:"hash"`
}

// SubscribeMessage is sent once the market channel is open.
type SubscribeMessage struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// --------------------------------------------------------------------------
// Domain conversion
// --------------------------------------------------------------------------

// ToDomainRawBook converts a BookMessage, preferring bids/asks over the
// buys/sells aliases. Level arrays stay undecoded.
func (b *BookMessage) ToDomainRawBook() *domain.RawBook {
	raw := &domain.RawBook{
		AssetID:   b.AssetID,
		Market:    b.Market,
		Timestamp: time.Time(b.Timestamp),
		Hash:      b.Hash,
		Bids:      firstPresent(b.Bids, b.Buys),
		Asks:      firstPresent(b.Asks, b.Sells),
	}
	if b.Seq != nil {
		seq := int64(*b.Seq)
		raw.Seq = &seq
	}
	return raw
}

// ToDomainRawChanges splits the message into one RawChanges per asset,
// keeping entry order within each asset.
func (p *PriceChangeMessage) ToDomainRawChanges() []*domain.RawChanges {
	entries := p.Changes
	if len(entries) == 0 {
		entries = p.PriceChanges
	}

	var (
		out   []*domain.RawChanges
		index = make(map[string]*domain.RawChanges)
	)
	for _, e := range entries {
		asset := e.AssetID
		if asset == "" {
			asset = p.AssetID
		}
		rc, ok := index[asset]
		if !ok {
			rc = &domain.RawChanges{
				AssetID:   asset,
				Market:    p.Market,
				Timestamp: time.Time(p.Timestamp),
				Hash:      p.Hash,
			}
			if p.Seq != nil {
				seq := int64(*p.Seq)
				rc.Seq = &seq
			}
			index[asset] = rc
			out = append(out, rc)
		}
		if e.Hash != "" {
			rc.Hash = e.Hash
		}
		rc.Changes = append(rc.Changes, domain.RawChange{Side: e.Side, Price: e.Price, Size: e.Size})
	}
	return out
}

func firstPresent(a, b json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(a)) > 0 && !bytes.Equal(bytes.TrimSpace(a), []byte("null")) {
		return a
	}
	return b
}
