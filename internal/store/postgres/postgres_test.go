package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// testClient connects to POLYBOOK_TEST_POSTGRES_DSN and migrates, or skips.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("POLYBOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLYBOOK_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 2})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	// A second run is a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/polybook?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "polybook", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://u:p@db:6543/polybook?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "polybook", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://override", DSN(ClientConfig{DSN: "postgres://override", Host: "ignored"}))
}

func TestMigrationNames(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_feed_events.sql", names[0])
}

func TestEventStore_AppendList(t *testing.T) {
	c := testClient(t)
	store := NewEventStore(c.Pool())
	ctx := context.Background()
	market := "test-" + uuid.NewString()
	session := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Append(ctx, domain.FeedEvent{
		SessionID: session, MarketID: market, Kind: domain.FeedEventStart, CreatedAt: base,
	}))
	require.NoError(t, store.Append(ctx, domain.FeedEvent{
		SessionID: session, MarketID: market, Kind: domain.FeedEventStatus,
		Detail: map[string]any{"status": "connected"}, CreatedAt: base.Add(time.Second),
	}))

	events, err := store.List(ctx, market, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.FeedEventStatus, events[0].Kind)
	assert.Equal(t, "connected", events[0].Detail["status"])
	assert.Nil(t, events[1].Detail)
	assert.True(t, events[1].CreatedAt.Equal(base))
	assert.Positive(t, events[0].ID)

	events, err = store.List(ctx, market, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
