package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/featherlist/server/internal/logger"
)

// Event is one row of an entity's durable event log.
type Event struct {
	ID       string            `json:"eid"`
	EntityID int64             `json:"-"`
	Kind     Kind              `json:"e"`
	Context  map[string]string `json:"ctx"`
	TS       float64           `json:"ts"`
}

// Store is the append-only, capped per-entity event log.
type Store struct {
	db  *sql.DB
	cap int
}

// DefaultLogCap is how many events are retained per entity. Replay is recent
// history, not full history.
const DefaultLogCap = 100

// NewStore creates an event log store. cap <= 0 selects DefaultLogCap.
func NewStore(db *sql.DB, cap int) *Store {
	if cap <= 0 {
		cap = DefaultLogCap
	}
	return &Store{db: db, cap: cap}
}

// Append inserts one event and prunes the entity's log beyond the cap.
func (s *Store) Append(ctx context.Context, ev Event) error {
	ctxJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO ws_events (id, entity_id, kind, context, ts)
         VALUES (?, ?, ?, ?, ?)`,
		ev.ID,
		ev.EntityID,
		int(ev.Kind),
		string(ctxJSON),
		ev.TS,
	)
	if err != nil {
		return err
	}

	// Prune oldest entries beyond the retention cap so a noisy entity cannot
	// grow its log without bound.
	_, err = tx.ExecContext(
		ctx,
		`DELETE FROM ws_events
         WHERE id IN (
           SELECT id FROM ws_events
           WHERE entity_id = ?
           ORDER BY ts DESC
           LIMIT -1 OFFSET ?
         )`,
		ev.EntityID,
		s.cap,
	)
	if err != nil {
		// The insert is already in; an unpruned log is recoverable, a lost
		// event is not.
		logger.Warnf("events: prune failed for entity %d: %v", ev.EntityID, err)
	}

	return tx.Commit()
}

// Recent returns up to limit of the entity's newest events in chronological
// order, skipping any kinds in exclude.
func (s *Store) Recent(ctx context.Context, entityID int64, limit int, exclude []Kind) ([]Event, error) {
	if limit <= 0 || limit > s.cap {
		limit = s.cap
	}

	query := `SELECT id, kind, context, ts FROM ws_events WHERE entity_id = ?`
	args := []any{entityID}
	if len(exclude) > 0 {
		placeholders := make([]string, len(exclude))
		for i, k := range exclude {
			placeholders[i] = "?"
			args = append(args, int(k))
		}
		query += fmt.Sprintf(" AND kind NOT IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev := Event{EntityID: entityID}
		var kind int
		var ctxJSON string
		if err := rows.Scan(&ev.ID, &kind, &ctxJSON, &ev.TS); err != nil {
			return nil, err
		}
		ev.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(ctxJSON), &ev.Context); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; reverse into publish order for replay.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns how many events an entity currently retains.
func (s *Store) Count(ctx context.Context, entityID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ws_events WHERE entity_id = ?`, entityID).Scan(&n)
	return n, err
}
