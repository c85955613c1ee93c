package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"reviewlog/internal/domain"
)

const eventColumns = `seq,id,entity_id,type,timestamp_millis,payload_json`

type storedEvent struct {
	domain.Event
	Seq int64
}

func scanEvents(rows *sql.Rows) ([]storedEvent, error) {
	defer rows.Close()
	var res []storedEvent
	for rows.Next() {
		var e storedEvent
		var payload string
		if err := rows.Scan(&e.Seq, &e.ID, &e.EntityID, &e.Type, &e.TimestampMillis, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %s payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PutEvents stores events once each and returns what is stored under every
// requested ID, in input order. Re-putting a known ID keeps the original.
func (r Repo) PutEvents(ctx context.Context, userID string, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	var stored map[string]domain.Event
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		ts := r.now()
		for _, e := range events {
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
			if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO events(user_id,id,entity_id,type,timestamp_millis,payload_json,stored_at) VALUES (?,?,?,?,?,?,?) ON CONFLICT (user_id,id) DO NOTHING`),
				userID, e.ID, e.EntityID, string(e.Type), e.TimestampMillis, string(payload), ts); err != nil {
				return fmt.Errorf("insert event %s: %w", e.ID, err)
			}
		}
		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		var err error
		stored, err = r.getEvents(ctx, tx, userID, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, stored[e.ID])
	}
	return out, nil
}

// GetEvents returns the events found among ids. Missing IDs are absent from the map.
func (r Repo) GetEvents(ctx context.Context, userID string, ids []string) (map[string]domain.Event, error) {
	return r.getEvents(ctx, r.DB, userID, ids)
}

func (r Repo) getEvents(ctx context.Context, qr querier, userID string, ids []string) (map[string]domain.Event, error) {
	res := make(map[string]domain.Event, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE user_id=? AND id IN (%s)`, eventColumns, placeholders(len(ids)))
	rows, err := qr.QueryContext(ctx, r.q(query), stringArgs([]any{userID}, ids)...)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		res[e.ID] = e.Event
	}
	return res, nil
}

// ListEvents returns events in insertion order on this store.
func (r Repo) ListEvents(ctx context.Context, userID string, q domain.EventQuery) ([]domain.Event, error) {
	clauses := "user_id=?"
	args := []any{userID}
	if q.AfterID != "" {
		var seq int64
		err := r.DB.QueryRowContext(ctx, r.q(`SELECT seq FROM events WHERE user_id=? AND id=?`), userID, q.AfterID).Scan(&seq)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("event %s: %w", q.AfterID, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		clauses += " AND seq>?"
		args = append(args, seq)
	}
	if q.EntityID != "" {
		clauses += " AND entity_id=?"
		args = append(args, q.EntityID)
	}
	args = append(args, q.Limit)
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY seq ASC LIMIT ?`, eventColumns, clauses)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return out, nil
}

// TxReader reads historical events inside an entity transaction.
type TxReader struct {
	repo   Repo
	tx     *sql.Tx
	userID string
}

// EntityEvents returns one page of entityID's events stored after cursor,
// plus the cursor for the next page.
func (t TxReader) EntityEvents(ctx context.Context, entityID string, cursor int64, limit int) ([]domain.Event, int64, error) {
	rows, err := t.tx.QueryContext(ctx, t.repo.q(fmt.Sprintf(`SELECT %s FROM events WHERE user_id=? AND entity_id=? AND seq>? ORDER BY seq ASC LIMIT ?`, eventColumns)),
		t.userID, entityID, cursor, limit)
	if err != nil {
		return nil, cursor, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, cursor, err
	}
	out := make([]domain.Event, len(events))
	for i, e := range events {
		out[i] = e.Event
		cursor = e.Seq
	}
	return out, cursor, nil
}
