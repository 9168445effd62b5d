package redis

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
)

func TestBookKeys(t *testing.T) {
	assert.Equal(t, "book:123:bids", bookBidsKey("123"))
	assert.Equal(t, "book:123:asks", bookAsksKey("123"))
	assert.Equal(t, "book:123:bid:size", bookBidSizeKey("123"))
	assert.Equal(t, "book:123:ask:size", bookAskSizeKey("123"))
	assert.Equal(t, "book:123:bbo", bookBBOKey("123"))
	assert.Equal(t, "book:123:meta", bookMetaKey("123"))
}

func TestSideEntries(t *testing.T) {
	b := book.Initialize("m",
		[]domain.RawLevel{lvl("0.475", "10.50"), lvl("0.48", "30")},
		nil, 1, time.Unix(1700000000, 0))

	members, sizes := sideEntries(b.Bids)
	assert.Equal(t, []redis.Z{
		{Score: 0.48, Member: "0.48"},
		{Score: 0.475, Member: "0.475"},
	}, members)
	assert.Equal(t, map[string]any{"0.48": "30", "0.475": "10.5"}, sizes)

	members, sizes = sideEntries(b.Asks)
	assert.Empty(t, members)
	assert.Empty(t, sizes)
}

func TestBBOFields(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	full := book.Initialize("m",
		[]domain.RawLevel{lvl("0.48", "30"), lvl("0.47", "1")},
		[]domain.RawLevel{lvl("0.53", "2"), lvl("0.52", "25")},
		1, ts)
	assert.Equal(t, map[string]any{"bid": "0.48", "ask": "0.52"}, bboFields(full))

	oneSided := book.Initialize("m", []domain.RawLevel{lvl("0.4", "1")}, nil, 1, ts)
	assert.Equal(t, map[string]any{"bid": "0.4"}, bboFields(oneSided))

	assert.Empty(t, bboFields(book.Initialize("m", nil, nil, 1, ts)))
}

func TestMetaFieldsRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 123)
	b := book.Initialize("m", nil, nil, 42, ts)
	b.Hash = "h1"

	fields := metaFields(b)
	assert.Equal(t, map[string]any{
		"ts":        "1700000000000000123",
		"update_id": "42",
		"hash":      "h1",
	}, fields)

	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		raw[k] = v.(string)
	}
	gotTS, gotID, gotHash := parseMeta(raw)
	assert.True(t, gotTS.Equal(ts))
	assert.Equal(t, int64(42), gotID)
	assert.Equal(t, "h1", gotHash)

	gotTS, gotID, _ = parseMeta(map[string]string{"ts": "x", "update_id": "y"})
	assert.True(t, gotTS.IsZero())
	assert.Zero(t, gotID)
}

func TestReadSide(t *testing.T) {
	levels, err := readSide([]string{"0.48", "0.475"}, map[string]string{"0.48": "30", "0.475": "10.5"})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "0.475", levels[1].Price.String())
	assert.Equal(t, "10.5", levels[1].Size.String())

	_, err = readSide([]string{"0.48"}, map[string]string{})
	assert.ErrorIs(t, err, domain.ErrValidation, "missing size field")

	_, err = readSide([]string{"abc"}, map[string]string{"abc": "1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestParseBBO(t *testing.T) {
	bid, ask, err := parseBBO(map[string]string{"bid": "0.48"})
	require.NoError(t, err)
	assert.Equal(t, "0.48", bid.String())
	assert.True(t, ask.IsZero())

	_, _, err = parseBBO(map[string]string{"bid": "0.48", "ask": "nope"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
