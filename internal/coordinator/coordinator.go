// Package coordinator keeps at most one running process in charge of
// dispatch ticks by holding a heartbeated lease row in storage.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/eventbus"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
	"github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

// LockStore is the storage side of the lease.
type LockStore interface {
	AcquireLock(ctx context.Context, name, ownerID string, pid int, ttl time.Duration) (storage.LockResult, error)
	HeartbeatLock(ctx context.Context, name, ownerID string) (bool, error)
	ReleaseLock(ctx context.Context, name, ownerID string) error
}

type Config struct {
	Name              string
	OwnerID           string
	PID               int
	TTL               time.Duration
	HeartbeatInterval time.Duration
	// OpTimeout bounds each storage call.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "dispatch"
	}
	if c.TTL <= 0 {
		c.TTL = 3 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	return c
}

type state int

const (
	stateUnknown state = iota
	stateLeader
	stateContended
)

// Status is a diagnostics snapshot.
type Status struct {
	Name        string
	OwnerID     string
	Leader      bool
	Holder      storage.LockHolder
	LastCheckAt time.Time
	LastError   string
}

type Coordinator struct {
	cfg   Config
	store LockStore
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	leader atomic.Bool

	mu        sync.Mutex
	state     state
	lastOK    time.Time
	lastCheck time.Time
	lastErr   error
	holder    storage.LockHolder
}

func New(cfg Config, store LockStore, bus eventbus.Bus, log logx.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("coordinator: lock store is required")
	}
	cfg = cfg.withDefaults()
	if cfg.OwnerID == "" {
		return nil, errors.New("coordinator: owner id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:   cfg,
		store: store,
		log:   log.With(logx.String("comp", "coordinator"), logx.String("lock", cfg.Name)),
		bus:   bus,
		now:   time.Now,
	}, nil
}

func (c *Coordinator) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// IsLeader reports whether this process currently holds the lease.
func (c *Coordinator) IsLeader() bool { return c.leader.Load() }

func (c *Coordinator) OwnerID() string { return c.cfg.OwnerID }

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Name:        c.cfg.Name,
		OwnerID:     c.cfg.OwnerID,
		Leader:      c.leader.Load(),
		Holder:      c.holder,
		LastCheckAt: c.lastCheck,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Run steps the lease every HeartbeatInterval until ctx ends, then releases it.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Step(ctx)
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
			defer cancel()
			if err := c.Release(rctx); err != nil {
				c.log.Warn("lock release failed", logx.Err(err))
			}
			return nil
		case <-t.C:
			c.Step(ctx)
		}
	}
}

// Step heartbeats when leading and tries to acquire otherwise. It returns the
// resulting leadership.
func (c *Coordinator) Step(ctx context.Context) bool {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	if c.leader.Load() {
		ok, err := c.store.HeartbeatLock(opCtx, c.cfg.Name, c.cfg.OwnerID)
		now := c.now()
		switch {
		case err != nil:
			c.noteError(now, err)
			// Keep leading until the lease may have expired in someone else's view.
			if now.Sub(c.lastOKAt()) >= c.cfg.TTL-c.cfg.HeartbeatInterval {
				c.transition(stateUnknown, storage.LockHolder{}, "lock lost: heartbeat failing")
			}
		case ok:
			c.noteOK(now)
		default:
			c.noteOK(now)
			c.transition(stateUnknown, storage.LockHolder{}, "lock lost")
		}
		if c.leader.Load() {
			return true
		}
	}

	res, err := c.store.AcquireLock(opCtx, c.cfg.Name, c.cfg.OwnerID, c.cfg.PID, c.cfg.TTL)
	now := c.now()
	if err != nil {
		c.noteError(now, err)
		return false
	}
	c.noteOK(now)
	if res.Acquired {
		c.transition(stateLeader, res.Holder, "lock acquired")
		return true
	}
	c.transition(stateContended, res.Holder, "lock contended")
	return false
}

// Release gives the lease up if held.
func (c *Coordinator) Release(ctx context.Context) error {
	wasLeader := c.leader.Swap(false)
	c.mu.Lock()
	c.state = stateUnknown
	c.mu.Unlock()
	if !wasLeader {
		return nil
	}
	c.publish(false)
	c.log.Info("lock released")
	return c.store.ReleaseLock(ctx, c.cfg.Name, c.cfg.OwnerID)
}

func (c *Coordinator) lastOKAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOK
}

func (c *Coordinator) noteOK(now time.Time) {
	c.mu.Lock()
	c.lastOK, c.lastCheck, c.lastErr = now, now, nil
	c.mu.Unlock()
}

func (c *Coordinator) noteError(now time.Time, err error) {
	c.mu.Lock()
	first := c.lastErr == nil
	c.lastCheck, c.lastErr = now, err
	c.mu.Unlock()
	if first {
		c.log.Warn("lock storage error", logx.Err(err))
	}
}

// transition logs only when the state changes.
func (c *Coordinator) transition(next state, holder storage.LockHolder, msg string) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.holder = holder
	c.mu.Unlock()

	c.leader.Store(next == stateLeader)
	if prev == next {
		return
	}
	fields := []logx.Field{logx.String("owner", c.cfg.OwnerID)}
	if holder.OwnerID != "" && holder.OwnerID != c.cfg.OwnerID {
		fields = append(fields,
			logx.String("holder", holder.OwnerID),
			logx.Int("holder_pid", holder.PID),
			logx.Time("holder_heartbeat", holder.HeartbeatAt),
		)
	}
	if next == stateUnknown {
		c.log.Warn(msg, fields...)
	} else {
		c.log.Info(msg, fields...)
	}
	if prev == stateLeader || next == stateLeader {
		c.publish(next == stateLeader)
	}
}

func (c *Coordinator) publish(leader bool) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeLeaderChanged, Data: leader})
}
