package contests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

// ErrCacheMiss is returned when neither fresh nor stale data exists for a scope.
var ErrCacheMiss = errors.New("contest cache miss")

// Source fetches the full contest list for one side of the upstream.
type Source interface {
	ContestList(ctx context.Context, gym bool) ([]Contest, error)
}

// SnapshotStore persists serialized snapshots for cold start and outage fallback.
type SnapshotStore interface {
	LoadCache(ctx context.Context, key string) (payload []byte, fetchedAt time.Time, ok bool, err error)
	SaveCache(ctx context.Context, key string, payload []byte, fetchedAt time.Time) error
}

type Config struct {
	TTL time.Duration
}

// snapshot is never mutated after publication; Refresh swaps the pointer.
type snapshot struct {
	list []Contest
	byID map[int64]int
}

type scopeState struct {
	snap        *snapshot
	refreshedAt time.Time
	lastErr     error
	lastErrAt   time.Time
	hydrated    bool
}

// Cache mirrors the upstream contest list per scope.
//
// Refresh may block on the network; every query works on the in-memory
// snapshot only and never fails.
type Cache struct {
	src   Source
	store SnapshotStore
	log   logx.Logger
	now   func() time.Time

	mu     sync.RWMutex
	ttl    time.Duration
	scopes map[Scope]*scopeState

	// refreshMu serializes refreshes of the same scope.
	refreshMu map[Scope]*sync.Mutex
}

func New(cfg Config, src Source, store SnapshotStore, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	c := &Cache{
		src:       src,
		store:     store,
		log:       log,
		now:       time.Now,
		ttl:       cfg.TTL,
		scopes:    map[Scope]*scopeState{},
		refreshMu: map[Scope]*sync.Mutex{},
	}
	for _, s := range Scopes() {
		c.scopes[s] = &scopeState{}
		c.refreshMu[s] = &sync.Mutex{}
	}
	return c
}

// SetClock overrides the time source.
func (c *Cache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Cache) Apply(cfg Config) {
	if cfg.TTL <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = cfg.TTL
	c.mu.Unlock()
}

// Refresh brings scope up to date. ScopeAll refreshes every concrete scope and
// returns the joined errors.
//
// On failure the previous snapshot stays in place and the error is recorded;
// callers decide whether stale data is acceptable.
func (c *Cache) Refresh(ctx context.Context, scope Scope, force bool) error {
	if scope == ScopeAll {
		var errs []error
		for _, s := range Scopes() {
			if err := c.Refresh(ctx, s, force); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	if !scope.Concrete() {
		return fmt.Errorf("refresh: invalid scope %v", scope)
	}

	mu := c.refreshMu[scope]
	mu.Lock()
	defer mu.Unlock()

	c.hydrate(ctx, scope)

	c.mu.RLock()
	st := c.scopes[scope]
	fresh := st.snap != nil && !st.refreshedAt.IsZero() && c.now().Sub(st.refreshedAt) < c.ttl
	c.mu.RUnlock()
	if fresh && !force {
		return nil
	}

	list, err := c.src.ContestList(ctx, scope == ScopeGym)
	if err != nil {
		now := c.now()
		c.mu.Lock()
		st.lastErr = err
		st.lastErrAt = now
		c.mu.Unlock()
		return fmt.Errorf("refresh %s contests: %w", scope, err)
	}

	for i := range list {
		list[i].Scope = scope
	}
	snap := newSnapshot(list)
	fetchedAt := c.now()

	c.mu.Lock()
	st.snap = snap
	st.refreshedAt = fetchedAt
	st.lastErr = nil
	st.lastErrAt = time.Time{}
	c.mu.Unlock()

	c.persist(ctx, scope, snap.list, fetchedAt)
	c.log.Debug("contests refreshed", logx.String("scope", scope.String()), logx.Int("count", len(list)))
	return nil
}

// hydrate loads the persisted snapshot once when memory is empty. Best-effort.
func (c *Cache) hydrate(ctx context.Context, scope Scope) {
	c.mu.RLock()
	st := c.scopes[scope]
	skip := st.snap != nil || st.hydrated
	c.mu.RUnlock()
	if skip || c.store == nil {
		return
	}

	payload, fetchedAt, ok, err := c.store.LoadCache(ctx, scope.CacheKey())
	c.mu.Lock()
	st.hydrated = true
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("contest cache hydrate failed", logx.String("scope", scope.String()), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	var list []Contest
	if err := json.Unmarshal(payload, &list); err != nil {
		c.log.Warn("contest cache payload invalid", logx.String("scope", scope.String()), logx.Err(err))
		return
	}
	for i := range list {
		list[i].Scope = scope
	}

	c.mu.Lock()
	if st.snap == nil {
		st.snap = newSnapshot(list)
		st.refreshedAt = fetchedAt
	}
	c.mu.Unlock()
	c.log.Info("contest cache hydrated from storage",
		logx.String("scope", scope.String()),
		logx.Int("count", len(list)),
		logx.Time("fetched_at", fetchedAt),
	)
}

func (c *Cache) persist(ctx context.Context, scope Scope, list []Contest, fetchedAt time.Time) {
	if c.store == nil {
		return
	}
	payload, err := json.Marshal(list)
	if err != nil {
		c.log.Warn("contest cache encode failed", logx.String("scope", scope.String()), logx.Err(err))
		return
	}
	if err := c.store.SaveCache(ctx, scope.CacheKey(), payload, fetchedAt); err != nil {
		c.log.Warn("contest cache persist failed", logx.String("scope", scope.String()), logx.Err(err))
	}
}

func newSnapshot(list []Contest) *snapshot {
	cp := append([]Contest(nil), list...)
	idx := make(map[int64]int, len(cp))
	for i, ct := range cp {
		if _, dup := idx[ct.ID]; !dup {
			idx[ct.ID] = i
		}
	}
	return &snapshot{list: cp, byID: idx}
}

// ---- diagnostics ----

// HasData reports whether any snapshot (fresh or stale) exists for scope.
// For ScopeAll it reports whether at least one concrete scope has data.
func (c *Cache) HasData(scope Scope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range scope.Expand() {
		if st := c.scopes[s]; st != nil && st.snap != nil {
			return true
		}
	}
	return false
}

// LastRefreshAt returns the fetch time of the current snapshot (zero if none).
func (c *Cache) LastRefreshAt(scope Scope) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st := c.scopes[scope]; st != nil {
		return st.refreshedAt
	}
	return time.Time{}
}

// LastError returns when the most recent refresh error happened and the error.
// A successful refresh clears it.
func (c *Cache) LastError(scope Scope) (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st := c.scopes[scope]; st != nil {
		return st.lastErrAt, st.lastErr
	}
	return time.Time{}, nil
}

type ScopeStatus struct {
	Scope       Scope
	Count       int
	RefreshedAt time.Time
	LastError   string
	LastErrorAt time.Time
}

func (c *Cache) Status() []ScopeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ScopeStatus, 0, len(c.scopes))
	for _, s := range Scopes() {
		st := c.scopes[s]
		ss := ScopeStatus{Scope: s, RefreshedAt: st.refreshedAt, LastErrorAt: st.lastErrAt}
		if st.snap != nil {
			ss.Count = len(st.snap.list)
		}
		if st.lastErr != nil {
			ss.LastError = st.lastErr.Error()
		}
		out = append(out, ss)
	}
	return out
}
