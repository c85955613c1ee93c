package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"

	"reviewlog/internal/domain"
)

const entityColumns = `seq,id,entity_json,last_event_id,last_event_timestamp_millis,version`

// Transformer computes replacement records from the current ones. Records
// absent from the store are absent from current. Records left out of the
// result are kept as they are.
type Transformer func(ctx context.Context, tx TxReader, current map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error)

// EntityFilter selects a page of entities by creation order.
type EntityFilter struct {
	AfterID      string
	Limit        int
	DueThreshold *int64
}

func scanEntities(rows *sql.Rows) ([]domain.EntityRecord, error) {
	defer rows.Close()
	var res []domain.EntityRecord
	for rows.Next() {
		var rec domain.EntityRecord
		var id, body string
		if err := rows.Scan(&rec.CreationSeq, &id, &body, &rec.LastEventID, &rec.LastEventTimestampMillis, &rec.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &rec.Entity); err != nil {
			return nil, fmt.Errorf("decode entity %s: %w", id, err)
		}
		rec.Entity.TaskID = id
		res = append(res, rec)
	}
	return res, rows.Err()
}

// GetEntities returns the records found among ids.
func (r Repo) GetEntities(ctx context.Context, userID string, ids []string) (map[string]domain.EntityRecord, error) {
	return r.getEntities(ctx, r.DB, userID, ids)
}

func (r Repo) getEntities(ctx context.Context, qr querier, userID string, ids []string) (map[string]domain.EntityRecord, error) {
	res := make(map[string]domain.EntityRecord, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM entities WHERE user_id=? AND id IN (%s)`, entityColumns, placeholders(len(ids)))
	rows, err := qr.QueryContext(ctx, r.q(query), stringArgs([]any{userID}, ids)...)
	if err != nil {
		return nil, err
	}
	recs, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		res[rec.Entity.TaskID] = rec
	}
	return res, nil
}

// ModifyEntities runs a read-modify-write over exactly ids in one
// transaction. A concurrent change to any of the records aborts the attempt
// and the whole transaction, transformer included, is run again until the
// retry budget is spent.
func (r Repo) ModifyEntities(ctx context.Context, userID string, ids []string, fn Transformer) error {
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getEntities(ctx, tx, userID, ids)
		if err != nil {
			return err
		}
		next, err := fn(ctx, TxReader{repo: r, tx: tx, userID: userID}, maps.Clone(current))
		if err != nil {
			return err
		}
		ts := r.now()
		for id, rec := range next {
			if !allowed[id] {
				return fmt.Errorf("transformer returned entity %s outside the requested set", id)
			}
			rec.Entity.TaskID = id
			body, err := json.Marshal(rec.Entity)
			if err != nil {
				return fmt.Errorf("marshal entity %s: %w", id, err)
			}
			old, exists := current[id]
			if !exists {
				if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO entities(user_id,id,entity_json,due_timestamp_millis,is_deleted,last_event_id,last_event_timestamp_millis,version,updated_at) VALUES (?,?,?,?,?,?,?,1,?)`),
					userID, id, string(body), rec.Entity.DueTimestampMillis, boolInt(rec.Entity.IsDeleted), rec.LastEventID, rec.LastEventTimestampMillis, ts); err != nil {
					return fmt.Errorf("insert entity %s: %w", id, err)
				}
				continue
			}
			res, err := tx.ExecContext(ctx, r.q(`UPDATE entities SET entity_json=?,due_timestamp_millis=?,is_deleted=?,last_event_id=?,last_event_timestamp_millis=?,version=version+1,updated_at=? WHERE user_id=? AND id=? AND version=?`),
				string(body), rec.Entity.DueTimestampMillis, boolInt(rec.Entity.IsDeleted), rec.LastEventID, rec.LastEventTimestampMillis, ts, userID, id, old.Version)
			if err != nil {
				return fmt.Errorf("update entity %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("entity %s: %w", id, errConflict)
			}
		}
		return nil
	})
}

// ListEntities returns entities in creation order. A missing AfterID is ErrNotFound.
func (r Repo) ListEntities(ctx context.Context, userID string, f EntityFilter) ([]domain.EntityRecord, error) {
	clauses := "user_id=?"
	args := []any{userID}
	if f.AfterID != "" {
		var seq int64
		err := r.DB.QueryRowContext(ctx, r.q(`SELECT seq FROM entities WHERE user_id=? AND id=?`), userID, f.AfterID).Scan(&seq)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("entity %s: %w", f.AfterID, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		clauses += " AND seq>?"
		args = append(args, seq)
	}
	if f.DueThreshold != nil {
		clauses += " AND due_timestamp_millis<=? AND is_deleted=0"
		args = append(args, *f.DueThreshold)
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM entities WHERE %s ORDER BY seq ASC LIMIT ?`, entityColumns, clauses)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanEntities(rows)
}

// CountActiveEntities counts snapshots with isDeleted false. It is the
// ground truth the active task counter tracks.
func (r Repo) CountActiveEntities(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM entities WHERE user_id=? AND is_deleted=0`), userID).Scan(&n)
	return n, err
}
