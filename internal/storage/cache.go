package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LoadCache returns the persisted payload for key. ok is false when no row exists.
func (s *Store) LoadCache(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var (
		payload string
		ms      int64
	)
	err := s.queryRow(ctx, `SELECT payload, last_fetched FROM resource_cache WHERE scope_key = ?`, key).Scan(&payload, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return []byte(payload), fromMillis(ms), true, nil
}

// SaveCache upserts the payload for key.
func (s *Store) SaveCache(ctx context.Context, key string, payload []byte, fetchedAt time.Time) error {
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO resource_cache(scope_key, payload, last_fetched) VALUES(?,?,?)
		 ON CONFLICT(scope_key) DO UPDATE SET payload = excluded.payload, last_fetched = excluded.last_fetched`,
		key, string(payload), toMillis(fetchedAt),
	)
	return err
}
