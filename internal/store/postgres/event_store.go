package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// defaultListLimit caps List when the caller passes no limit.
const defaultListLimit = 100

// EventStore implements domain.EventStore on the feed_events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts ev. A zero CreatedAt uses the database clock.
func (s *EventStore) Append(ctx context.Context, ev domain.FeedEvent) error {
	detailJSON, err := encodeDetail(ev.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal feed event detail: %w", err)
	}

	const query = `
		INSERT INTO feed_events (session_id, market_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, NOW()))`
	var createdAt *time.Time
	if !ev.CreatedAt.IsZero() {
		createdAt = &ev.CreatedAt
	}
	if _, err := s.pool.Exec(ctx, query, ev.SessionID, ev.MarketID, ev.Kind, detailJSON, createdAt); err != nil {
		return fmt.Errorf("postgres: append feed event %s: %w", ev.Kind, err)
	}
	return nil
}

// List returns up to limit events, newest first. An empty marketID lists
// every market.
func (s *EventStore) List(ctx context.Context, marketID string, limit int) ([]domain.FeedEvent, error) {
	query, args := listQuery(marketID, limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list feed events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanFeedEvent)
	if err != nil {
		return nil, fmt.Errorf("postgres: list feed events: %w", err)
	}
	return events, nil
}

func scanFeedEvent(row pgx.CollectableRow) (domain.FeedEvent, error) {
	var e domain.FeedEvent
	var detailJSON []byte
	if err := row.Scan(&e.ID, &e.SessionID, &e.MarketID, &e.Kind, &detailJSON, &e.CreatedAt); err != nil {
		return e, err
	}
	detail, err := decodeDetail(detailJSON)
	if err != nil {
		return e, err
	}
	e.Detail = detail
	return e, nil
}

// listQuery builds the List statement and its arguments.
func listQuery(marketID string, limit int) (string, []any) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, session_id, market_id, kind, detail, created_at FROM feed_events`
	args := []any{}
	if marketID != "" {
		query += ` WHERE market_id = $1`
		args = append(args, marketID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)
	return query, args
}

// encodeDetail stores an empty detail as SQL NULL.
func encodeDetail(detail map[string]any) ([]byte, error) {
	if len(detail) == 0 {
		return nil, nil
	}
	return json.Marshal(detail)
}

func decodeDetail(raw []byte) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	var detail map[string]any
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("unmarshal detail: %w", err)
	}
	return detail, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
