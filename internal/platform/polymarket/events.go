package polymarket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Market channel event types.
const (
	EventBook        = "book"
	EventPriceChange = "price_change"
)

// SubscribeCommand builds the market channel subscription payload.
func SubscribeCommand(assetIDs ...string) ([]byte, error) {
	if len(assetIDs) == 0 {
		return nil, fmt.Errorf("polymarket/ws: %w: no asset ids to subscribe", domain.ErrValidation)
	}
	data, err := json.Marshal(SubscribeMessage{Type: "market", AssetIDs: assetIDs})
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: marshal subscription: %w", err)
	}
	return data, nil
}

// ParseEvents decodes one market channel frame. A frame holds a single event
// object or an array of them. Non-JSON keepalive replies such as "PONG" and
// event types other than book and price_change yield no events.
//
// Malformed elements are skipped; their errors are joined and returned along
// with every event that did decode.
func ParseEvents(data []byte) ([]domain.StreamEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case '{':
		return parseEvent(data)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("polymarket/ws: %w: decode frame: %v", domain.ErrValidation, err)
		}
		var (
			out  []domain.StreamEvent
			errs []error
		)
		for _, item := range items {
			evs, err := parseEvent(item)
			if err != nil {
				errs = append(errs, err)
			}
			out = append(out, evs...)
		}
		return out, errors.Join(errs...)
	default:
		return nil, nil
	}
}

func parseEvent(raw json.RawMessage) ([]domain.StreamEvent, error) {
	var envelope struct {
		MsgType string `json:"msg_type"`
		Event   string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("polymarket/ws: %w: decode envelope: %v", domain.ErrValidation, err)
	}
	msgType := envelope.Event
	if msgType == "" {
		msgType = envelope.MsgType
	}

	switch msgType {
	case EventBook:
		var msg BookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("polymarket/ws: %w: decode book: %v", domain.ErrValidation, err)
		}
		return []domain.StreamEvent{{Kind: domain.StreamEventBook, Book: msg.ToDomainRawBook()}}, nil

	case EventPriceChange:
		var msg PriceChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("polymarket/ws: %w: decode price_change: %v", domain.ErrValidation, err)
		}
		changes := msg.ToDomainRawChanges()
		out := make([]domain.StreamEvent, 0, len(changes))
		for _, rc := range changes {
			out = append(out, domain.StreamEvent{Kind: domain.StreamEventChanges, Changes: rc})
		}
		return out, nil
	}
	return nil, nil
}
