package storage

import (
	"errors"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

type SubscriptionKind string

const (
	KindReminder SubscriptionKind = "reminder"
	KindFinished SubscriptionKind = "finished"
)

func (k SubscriptionKind) Valid() bool { return k == KindReminder || k == KindFinished }

// Subscription asks for contest notifications to be posted into ChannelID.
type Subscription struct {
	ID      string
	OwnerID int64
	// ChannelID is the target chat, optionally "chat:thread".
	ChannelID     string
	Kind          SubscriptionKind
	Scope         contests.Scope
	Include       []string
	Exclude       []string
	LeadMinutes   int
	WindowMinutes int
	RoleMention   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LockHolder describes the current owner of an instance lock row.
type LockHolder struct {
	Name        string
	OwnerID     string
	PID         int
	StartedAt   time.Time
	HeartbeatAt time.Time
}

type LockResult struct {
	Acquired bool
	// Holder is the row after the attempt: ourselves when acquired, the
	// competing owner otherwise.
	Holder LockHolder
}
