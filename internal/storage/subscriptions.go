package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
)

const subscriptionColumns = `id, owner_id, channel_id, kind, scope, include_kw, exclude_kw,
	lead_minutes, window_minutes, role_mention, created_at, updated_at`

func normalizeSubscription(sub *Subscription) error {
	sub.ChannelID = strings.TrimSpace(sub.ChannelID)
	if sub.ChannelID == "" {
		return errors.New("subscription channel is required")
	}
	if sub.Kind == "" {
		sub.Kind = KindReminder
	}
	if !sub.Kind.Valid() {
		return fmt.Errorf("unknown subscription kind %q", sub.Kind)
	}
	if _, err := sub.Scope.MarshalText(); err != nil {
		return err
	}
	if sub.LeadMinutes < 0 || sub.WindowMinutes < 0 {
		return errors.New("subscription minutes must not be negative")
	}
	sub.Include = cleanKeywords(sub.Include)
	sub.Exclude = cleanKeywords(sub.Exclude)
	sub.RoleMention = strings.TrimSpace(sub.RoleMention)
	return nil
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// CreateSubscription stores sub with a fresh id and timestamps and returns it.
func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if err := normalizeSubscription(&sub); err != nil {
		return Subscription{}, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now

	inc, exc, err := encodeKeywords(sub)
	if err != nil {
		return Subscription{}, err
	}
	_, err = s.exec(ctx,
		`INSERT INTO subscriptions(`+subscriptionColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		sub.ID, sub.OwnerID, sub.ChannelID, string(sub.Kind), sub.Scope.String(), inc, exc,
		sub.LeadMinutes, sub.WindowMinutes, sub.RoleMention, toMillis(sub.CreatedAt), toMillis(sub.UpdatedAt),
	)
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// UpdateSubscription rewrites the mutable fields of an existing subscription.
func (s *Store) UpdateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if err := normalizeSubscription(&sub); err != nil {
		return Subscription{}, err
	}
	inc, exc, err := encodeKeywords(sub)
	if err != nil {
		return Subscription{}, err
	}
	sub.UpdatedAt = s.now()
	res, err := s.exec(ctx,
		`UPDATE subscriptions SET channel_id = ?, kind = ?, scope = ?, include_kw = ?, exclude_kw = ?,
		 lead_minutes = ?, window_minutes = ?, role_mention = ?, updated_at = ?
		 WHERE id = ?`,
		sub.ChannelID, string(sub.Kind), sub.Scope.String(), inc, exc,
		sub.LeadMinutes, sub.WindowMinutes, sub.RoleMention, toMillis(sub.UpdatedAt), sub.ID,
	)
	if err != nil {
		return Subscription{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Subscription{}, ErrNotFound
	}
	return s.GetSubscription(ctx, sub.ID)
}

func (s *Store) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	row := s.queryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

// ListSubscriptions returns every subscription, oldest first.
func (s *Store) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

// ListSubscriptionsByOwner returns the subscriptions of one owner, oldest first.
func (s *Store) ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]Subscription, error) {
	rows, err := s.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

// DeleteSubscription removes the subscription and its ledger rows atomically.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM notification_ledger WHERE subscription_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func encodeKeywords(sub Subscription) (string, string, error) {
	inc, err := json.Marshal(sub.Include)
	if err != nil {
		return "", "", err
	}
	exc, err := json.Marshal(sub.Exclude)
	if err != nil {
		return "", "", err
	}
	return string(inc), string(exc), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (Subscription, error) {
	var (
		sub                  Subscription
		kind, scope          string
		inc, exc             string
		createdAt, updatedAt int64
	)
	if err := r.Scan(&sub.ID, &sub.OwnerID, &sub.ChannelID, &kind, &scope, &inc, &exc,
		&sub.LeadMinutes, &sub.WindowMinutes, &sub.RoleMention, &createdAt, &updatedAt); err != nil {
		return Subscription{}, err
	}
	sub.Kind = SubscriptionKind(kind)
	sc, err := contests.ParseScope(scope)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}
	sub.Scope = sc
	if err := json.Unmarshal([]byte(inc), &sub.Include); err != nil {
		return Subscription{}, fmt.Errorf("subscription %s include: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(exc), &sub.Exclude); err != nil {
		return Subscription{}, fmt.Errorf("subscription %s exclude: %w", sub.ID, err)
	}
	sub.CreatedAt = fromMillis(createdAt)
	sub.UpdatedAt = fromMillis(updatedAt)
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
