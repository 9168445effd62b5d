package domain

import (
	"encoding/json"
	"time"
)

// RawBook is a full book payload as delivered by the REST snapshot endpoint or
// a "book" stream event. Level arrays are kept undecoded so the configured
// wire decoder can normalize them at one place.
type RawBook struct {
	AssetID   string
	Market    string
	Timestamp time.Time
	Hash      string
	// Seq is the feed sequence number when the wire protocol provides one.
	Seq  *int64
	Bids json.RawMessage
	Asks json.RawMessage
}

// RawChange is one level change inside a price_change event.
type RawChange struct {
	Side  string
	Price json.RawMessage
	Size  json.RawMessage
}

// RawChanges is an incremental stream payload.
type RawChanges struct {
	AssetID   string
	Market    string
	Timestamp time.Time
	Hash      string
	Seq       *int64
	Changes   []RawChange
}

// StreamEventKind identifies the payload carried by a StreamEvent.
type StreamEventKind string

const (
	StreamEventBook    StreamEventKind = "book"
	StreamEventChanges StreamEventKind = "price_change"
)

// StreamEvent is one decoded stream message. Exactly one of Book and Changes
// is set, matching Kind.
type StreamEvent struct {
	Kind    StreamEventKind
	Book    *RawBook
	Changes *RawChanges
}

// FeedEvent is a journal entry describing something that happened to a feed
// session (status transition, market switch, resync).
type FeedEvent struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	MarketID  string         `json:"market_id"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Feed event kinds.
const (
	FeedEventStatus = "status"
	FeedEventStart  = "start"
	FeedEventStop   = "stop"
	FeedEventResync = "resync"
	// FeedEventInvalid samples dropped malformed messages.
	FeedEventInvalid = "invalid"
)
