package repo

import (
	"context"
	"database/sql"
	"fmt"
)

// IncrementActiveTaskCount adds delta to the user's counter as its own atomic statement.
func (r Repo) IncrementActiveTaskCount(ctx context.Context, userID string, delta int) error {
	return r.withRetry(ctx, func() error {
		_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO user_metadata(user_id,active_task_count) VALUES (?,?) ON CONFLICT (user_id) DO UPDATE SET active_task_count = user_metadata.active_task_count + excluded.active_task_count`),
			userID, delta)
		return err
	})
}

// ActiveTaskCount reads the user's counter; a user with no record has zero.
func (r Repo) ActiveTaskCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT active_task_count FROM user_metadata WHERE user_id=?`), userID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// GetMetadataValues returns the stored values among keys.
func (r Repo) GetMetadataValues(ctx context.Context, userID string, keys []string) (map[string]string, error) {
	res := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return res, nil
	}
	query := fmt.Sprintf(`SELECT key,value FROM user_metadata_values WHERE user_id=? AND key IN (%s)`, placeholders(len(keys)))
	rows, err := r.DB.QueryContext(ctx, r.q(query), stringArgs([]any{userID}, keys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		res[k] = v
	}
	return res, rows.Err()
}

// SetMetadataValues writes values; a nil value deletes the key.
func (r Repo) SetMetadataValues(ctx context.Context, userID string, values map[string]*string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for k, v := range values {
			if v == nil {
				if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM user_metadata_values WHERE user_id=? AND key=?`), userID, k); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO user_metadata_values(user_id,key,value) VALUES (?,?,?) ON CONFLICT (user_id,key) DO UPDATE SET value=excluded.value`),
				userID, k, *v); err != nil {
				return err
			}
		}
		return nil
	})
}
