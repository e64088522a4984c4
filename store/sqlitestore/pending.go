package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/karma-tender/store"
)

const pendingColumns = `id, user_name, title, delta, reward_id, broadcaster_id, created_at, status`

func (s *Store) PendingAdd(ctx context.Context, r store.Redemption) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending (`+pendingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_name = excluded.user_name,
			title = excluded.title,
			delta = excluded.delta,
			reward_id = excluded.reward_id,
			broadcaster_id = excluded.broadcaster_id,
			created_at = excluded.created_at,
			status = excluded.status`,
		r.ID, r.User, r.Title, r.Delta.String(), r.RewardID, r.BroadcasterID,
		r.CreatedAt.UTC().Format(timeLayout), string(r.Status))
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
	var createdAt, status string
	if err := row.Scan(&r.ID, &r.User, &r.Title, &r.Delta, &rewardID, &broadcasterID, &createdAt, &status); err != nil {
		return r, err
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return r, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	r.CreatedAt = t
	r.RewardID = rewardID.String
	r.BroadcasterID = broadcasterID.String
	r.Status = store.Status(status)
	return r, nil
}

func (s *Store) PendingGet(ctx context.Context, id string) (*store.Redemption, error) {
	r, err := scanRedemption(s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending get: %w", err)
	}
	return &r, nil
}

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

func (s *Store) PendingDelete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, id); err != nil {
		return fmt.Errorf("pending delete: %w", err)
	}
	return nil
}
