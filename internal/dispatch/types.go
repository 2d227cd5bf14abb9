package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
)

// ErrTickInProgress is returned by Tick when the previous tick is still running.
var ErrTickInProgress = errors.New("dispatch tick already in progress")

// SubscriptionStore is the read side of the subscription table.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]storage.Subscription, error)
	GetSubscription(ctx context.Context, id string) (storage.Subscription, error)
}

// Ledger records which (subscription, contest) pairs were notified.
type Ledger interface {
	GetNotification(ctx context.Context, subscriptionID string, contestID int64) (time.Time, bool, error)
	RecordNotification(ctx context.Context, subscriptionID string, contestID int64, at time.Time) (bool, error)
	PruneNotifications(ctx context.Context, before time.Time) (int64, error)
}

// ContestSource is the cache surface the engine reads.
type ContestSource interface {
	Refresh(ctx context.Context, scope contests.Scope, force bool) error
	HasData(scope contests.Scope) bool
	UpcomingWithin(scope contests.Scope, now time.Time, window time.Duration) []contests.Contest
	RecentlyFinished(scope contests.Scope, now time.Time, window time.Duration) []contests.Contest
}

type Config struct {
	// Retention is how long ledger rows are kept.
	Retention time.Duration
	// Defaults for subscriptions that leave their window at zero.
	DefaultLeadMinutes   int
	DefaultWindowMinutes int
	// SendTimeout bounds one outbound message.
	SendTimeout time.Duration
	// Location renders contest times.
	Location *time.Location
	// ContestURL is the base for contest links, e.g. https://codeforces.com/.
	ContestURL string
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 14 * 24 * time.Hour
	}
	if c.DefaultLeadMinutes <= 0 {
		c.DefaultLeadMinutes = 60
	}
	if c.DefaultWindowMinutes <= 0 {
		c.DefaultWindowMinutes = 180
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.ContestURL == "" {
		c.ContestURL = "https://codeforces.com/"
	}
	return c
}

// Status is the outcome of a manual send.
type Status string

const (
	StatusSent                      Status = "sent"
	StatusAlreadyNotified           Status = "already_notified"
	StatusNoMatchingCandidate       Status = "no_matching_candidate"
	StatusChannelMissing            Status = "channel_missing"
	StatusChannelMissingPermissions Status = "channel_missing_permissions"
	StatusSendError                 Status = "send_error"
	StatusSubscriptionMissing       Status = "subscription_missing"
	StatusCacheMiss                 Status = "cache_miss"
)

// Result describes what SendNow did. ContestID and NotifiedAt are set for
// sent and already_notified; Message carries the error text for send_error;
// Missing lists absent permissions for channel_missing_permissions.
type Result struct {
	Status     Status
	ContestID  int64
	Contest    contests.Contest
	NotifiedAt time.Time
	Message    string
	Missing    []string
}

func (r Result) String() string {
	switch r.Status {
	case StatusSent:
		return fmt.Sprintf("sent(%d)", r.ContestID)
	case StatusAlreadyNotified:
		return fmt.Sprintf("already_notified(%d, %s)", r.ContestID, r.NotifiedAt.UTC().Format(time.RFC3339))
	case StatusSendError:
		return fmt.Sprintf("send_error(%s)", r.Message)
	default:
		return string(r.Status)
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	StartedAt     time.Time
	FinishedAt    time.Time
	Subscriptions int
	Sent          int
	Skipped       int
	Failed        int
	Pruned        int64
	RefreshErrors []string
	EndedEarly    bool
}

// Delivery is the payload of dispatch.* events.
type Delivery struct {
	SubscriptionID string
	ChannelID      string
	ContestID      int64
	Reason         string
	Err            string
}

// Diagnostics is a read-only view for health reporting.
type Diagnostics struct {
	Running             bool
	LastTickAt          time.Time
	LastTick            TickReport
	LastDispatchError   string
	LastDispatchErrorAt time.Time
	TotalSent           uint64
	TotalFailed         uint64
}
