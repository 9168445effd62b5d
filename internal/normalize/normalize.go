// Package normalize converts the wire shapes used for book levels into
// domain.RawLevel values. The wire shape is chosen by configuration through a
// Decoder, never by inspecting each payload.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Mode tells the normalizer how to treat zero-size levels.
type Mode int

const (
	// ModeSnapshot drops zero-size levels: an absent level and an empty level
	// mean the same thing in a full book.
	ModeSnapshot Mode = iota
	// ModeDelta keeps zero-size levels as explicit removals.
	ModeDelta
)

// Wire formats accepted by ForFormat.
const (
	FormatObjects = "objects"
	FormatTuples  = "tuples"
)

// Decoder turns one encoded level array into RawLevels.
type Decoder interface {
	Format() string
	Decode(raw json.RawMessage, mode Mode) ([]domain.RawLevel, error)
}

// ForFormat returns the decoder registered for a wire format name.
func ForFormat(format string) (Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatObjects, "":
		return ObjectDecoder{}, nil
	case FormatTuples:
		return TupleDecoder{}, nil
	}
	return nil, fmt.Errorf("normalize: %w: unknown wire format %q", domain.ErrInvalidConfiguration, format)
}

// ObjectDecoder reads [{"price":..,"size":..}, ...].
type ObjectDecoder struct{}

func (ObjectDecoder) Format() string { return FormatObjects }

func (ObjectDecoder) Decode(raw json.RawMessage, mode Mode) ([]domain.RawLevel, error) {
	if isEmpty(raw) {
		return nil, nil
	}
	var wire []struct {
		Price json.RawMessage `json:"price"`
		Size  json.RawMessage `json:"size"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("normalize: %w: decode levels: %v", domain.ErrValidation, err)
	}
	out := make([]domain.RawLevel, 0, len(wire))
	for i, w := range wire {
		lvl, keep, err := Level(w.Price, w.Size, mode)
		if err != nil {
			return nil, fmt.Errorf("normalize: level %d: %w", i, err)
		}
		if keep {
			out = append(out, lvl)
		}
	}
	return out, nil
}

// TupleDecoder reads [[price, size], ...].
type TupleDecoder struct{}

func (TupleDecoder) Format() string { return FormatTuples }

func (TupleDecoder) Decode(raw json.RawMessage, mode Mode) ([]domain.RawLevel, error) {
	if isEmpty(raw) {
		return nil, nil
	}
	var wire [][]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("normalize: %w: decode levels: %v", domain.ErrValidation, err)
	}
	out := make([]domain.RawLevel, 0, len(wire))
	for i, w := range wire {
		if len(w) != 2 {
			return nil, fmt.Errorf("normalize: level %d: %w: want 2 elements, got %d", i, domain.ErrValidation, len(w))
		}
		lvl, keep, err := Level(w[0], w[1], mode)
		if err != nil {
			return nil, fmt.Errorf("normalize: level %d: %w", i, err)
		}
		if keep {
			out = append(out, lvl)
		}
	}
	return out, nil
}

// Level validates a single price/size pair. Price must be positive and size
// must not be negative. keep is false for zero-size levels in ModeSnapshot.
func Level(price, size json.RawMessage, mode Mode) (lvl domain.RawLevel, keep bool, err error) {
	p, err := Value(price)
	if err != nil {
		return lvl, false, fmt.Errorf("price: %w", err)
	}
	if !p.IsPositive() {
		return lvl, false, fmt.Errorf("%w: price %s is not positive", domain.ErrValidation, p)
	}
	s, err := Value(size)
	if err != nil {
		return lvl, false, fmt.Errorf("size: %w", err)
	}
	if s.IsNegative() {
		return lvl, false, fmt.Errorf("%w: size %s is negative", domain.ErrValidation, s)
	}
	if s.IsZero() && mode == ModeSnapshot {
		return lvl, false, nil
	}
	return domain.RawLevel{Price: p, Size: s}, true, nil
}

// Value decodes a JSON string or number into a Decimal.
func Value(raw json.RawMessage) (domain.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if isEmpty(raw) {
		return domain.Zero, fmt.Errorf("%w: missing number", domain.ErrValidation)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return domain.Zero, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return domain.ParseDecimal(s)
	}
	return domain.ParseDecimal(string(raw))
}

func isEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
