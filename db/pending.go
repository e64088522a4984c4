package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/karma-tender/store"
)

const pendingColumns = `id, user_name, title, delta, reward_id, broadcaster_id, created_at, status`

// PendingAdd upserts a pending redemption by id.
func (s *Store) PendingAdd(ctx context.Context, r store.Redemption) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			user_name = EXCLUDED.user_name,
			title = EXCLUDED.title,
			delta = EXCLUDED.delta,
			reward_id = EXCLUDED.reward_id,
			broadcaster_id = EXCLUDED.broadcaster_id,
			created_at = EXCLUDED.created_at,
			status = EXCLUDED.status`,
		r.ID, r.User, r.Title, r.Delta, r.RewardID, r.BroadcasterID, r.CreatedAt, string(r.Status))
	if err != nil {
		return fmt.Errorf("pending add: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRedemption(row rowScanner) (store.Redemption, error) {
	var r store.Redemption
	var rewardID, broadcasterID sql.NullString
	var status string
	if err := row.Scan(&r.ID, &r.User, &r.Title, &r.Delta, &rewardID, &broadcasterID, &r.CreatedAt, &status); err != nil {
		return r, err
	}
	r.RewardID = rewardID.String
	r.BroadcasterID = broadcasterID.String
	r.Status = store.Status(status)
	return r, nil
}

// PendingGet returns nil when id is not pending.
func (s *Store) PendingGet(ctx context.Context, id string) (*store.Redemption, error) {
	r, err := scanRedemption(s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending get: %w", err)
	}
	return &r, nil
}

// PendingAll lists every pending redemption.
func (s *Store) PendingAll(ctx context.Context) (map[string]store.Redemption, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending all: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make(map[string]store.Redemption)
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// PendingDelete removes id; deleting an unknown id is not an error.
func (s *Store) PendingDelete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pending delete: %w", err)
	}
	return nil
}
