package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// HasNotification reports whether (subscriptionID, contestID) was already notified.
func (s *Store) HasNotification(ctx context.Context, subscriptionID string, contestID int64) (bool, error) {
	_, ok, err := s.GetNotification(ctx, subscriptionID, contestID)
	return ok, err
}

// GetNotification returns when (subscriptionID, contestID) was notified.
func (s *Store) GetNotification(ctx context.Context, subscriptionID string, contestID int64) (time.Time, bool, error) {
	var ms int64
	err := s.queryRow(ctx,
		`SELECT notified_at FROM notification_ledger WHERE subscription_id = ? AND contest_id = ?`,
		subscriptionID, contestID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMillis(ms), true, nil
}

// RecordNotification inserts the ledger row unless it already exists.
// inserted is false when another writer got there first.
func (s *Store) RecordNotification(ctx context.Context, subscriptionID string, contestID int64, at time.Time) (inserted bool, err error) {
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.exec(ctx,
		`INSERT INTO notification_ledger(subscription_id, contest_id, notified_at) VALUES(?,?,?)
		 ON CONFLICT(subscription_id, contest_id) DO NOTHING`,
		subscriptionID, contestID, toMillis(at),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneNotifications deletes ledger rows notified strictly before cutoff.
func (s *Store) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM notification_ledger WHERE notified_at < ?`, toMillis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
