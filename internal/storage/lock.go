package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// AcquireLock takes the named lock for ownerID when it is free, already ours,
// or held by an owner whose heartbeat is older than ttl. All steps run in one
// transaction; the conditional statements make concurrent attempts race-free.
func (s *Store) AcquireLock(ctx context.Context, name, ownerID string, pid int, ttl time.Duration) (LockResult, error) {
	name, ownerID = strings.TrimSpace(name), strings.TrimSpace(ownerID)
	if name == "" || ownerID == "" {
		return LockResult{}, errors.New("lock name and owner are required")
	}
	now := s.now()
	nowMS := toMillis(now)
	staleBefore := toMillis(now.Add(-ttl))

	var res LockResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ins, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO instance_lock(name, owner_id, pid, started_at, heartbeat_at) VALUES(?,?,?,?,?)
			 ON CONFLICT(name) DO NOTHING`),
			name, ownerID, pid, nowMS, nowMS,
		)
		if err != nil {
			return err
		}
		if n, _ := ins.RowsAffected(); n > 0 {
			res.Acquired = true
			return s.readLock(ctx, tx, name, &res.Holder)
		}

		upd, err := tx.ExecContext(ctx, s.q(
			`UPDATE instance_lock
			 SET started_at = CASE WHEN owner_id = ? THEN started_at ELSE ? END,
			     owner_id = ?, pid = ?, heartbeat_at = ?
			 WHERE name = ? AND (owner_id = ? OR heartbeat_at < ?)`),
			ownerID, nowMS, ownerID, pid, nowMS, name, ownerID, staleBefore,
		)
		if err != nil {
			return err
		}
		if n, _ := upd.RowsAffected(); n > 0 {
			res.Acquired = true
		}
		return s.readLock(ctx, tx, name, &res.Holder)
	})
	if err != nil {
		return LockResult{}, err
	}
	return res, nil
}

// HeartbeatLock refreshes the lease. ok is false when ownerID no longer holds it.
func (s *Store) HeartbeatLock(ctx context.Context, name, ownerID string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE instance_lock SET heartbeat_at = ? WHERE name = ? AND owner_id = ?`,
		toMillis(s.now()), name, ownerID,
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

// ReleaseLock deletes the row if ownerID still holds it.
func (s *Store) ReleaseLock(ctx context.Context, name, ownerID string) error {
	_, err := s.exec(ctx, `DELETE FROM instance_lock WHERE name = ? AND owner_id = ?`, name, ownerID)
	return err
}

// GetLock returns the current holder of name.
func (s *Store) GetLock(ctx context.Context, name string) (LockHolder, error) {
	var h LockHolder
	err := s.scanLock(s.queryRow(ctx, lockSelect, name), &h)
	if errors.Is(err, sql.ErrNoRows) {
		return LockHolder{}, ErrNotFound
	}
	return h, err
}

const lockSelect = `SELECT name, owner_id, pid, started_at, heartbeat_at FROM instance_lock WHERE name = ?`

func (s *Store) readLock(ctx context.Context, tx *sql.Tx, name string, h *LockHolder) error {
	return s.scanLock(tx.QueryRowContext(ctx, s.q(lockSelect), name), h)
}

func (s *Store) scanLock(r rowScanner, h *LockHolder) error {
	var started, beat int64
	if err := r.Scan(&h.Name, &h.OwnerID, &h.PID, &started, &beat); err != nil {
		return err
	}
	h.StartedAt = fromMillis(started)
	h.HeartbeatAt = fromMillis(beat)
	return nil
}
