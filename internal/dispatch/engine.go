// Package dispatch evaluates subscriptions against the contest cache on every
// tick and posts each (subscription, contest) notification at most once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
	"github.com/canislupaster/arugobot-improved-sub003/internal/eventbus"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
	"github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	"github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

type Deps struct {
	Subscriptions SubscriptionStore
	Ledger        Ledger
	Contests      ContestSource
	Messenger     transport.Messenger
	Bus           eventbus.Bus
}

type Engine struct {
	deps Deps
	log  logx.Logger
	now  func() time.Time

	running atomic.Bool

	cfgMu sync.RWMutex
	cfg   Config

	mu          sync.Mutex
	lastTickAt  time.Time
	lastTick    TickReport
	lastErr     error
	lastErrAt   time.Time
	totalSent   atomic.Uint64
	totalFailed atomic.Uint64

	// unrecorded holds sends whose ledger write failed; they are retried
	// instead of being sent again.
	pendingMu  sync.Mutex
	unrecorded map[ledgerKey]time.Time
}

type ledgerKey struct {
	subscriptionID string
	contestID      int64
}

func New(cfg Config, deps Deps, log logx.Logger) (*Engine, error) {
	switch {
	case deps.Subscriptions == nil:
		return nil, errors.New("dispatch: subscription store is required")
	case deps.Ledger == nil:
		return nil, errors.New("dispatch: ledger is required")
	case deps.Contests == nil:
		return nil, errors.New("dispatch: contest source is required")
	case deps.Messenger == nil:
		return nil, errors.New("dispatch: messenger is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		deps: deps,
		log:  log.With(logx.String("comp", "dispatch")),
		now:  time.Now,
		cfg:  cfg.withDefaults(),

		unrecorded: map[ledgerKey]time.Time{},
	}, nil
}

func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Apply swaps the tunables; it takes effect from the next tick.
func (e *Engine) Apply(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.withDefaults()
	e.cfgMu.Unlock()
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Tick runs one evaluate-and-send cycle. Overlapping calls return
// ErrTickInProgress without doing anything.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Debug("tick skipped: previous tick still running")
		return TickReport{}, ErrTickInProgress
	}
	defer e.running.Store(false)

	cfg := e.config()
	now := e.now()
	rep := TickReport{StartedAt: now}
	defer func() {
		rep.FinishedAt = e.now()
		e.mu.Lock()
		e.lastTickAt = rep.FinishedAt
		e.lastTick = rep
		e.mu.Unlock()
		e.publish(eventbus.TypeDispatchTick, rep)
	}()

	if n, err := e.deps.Ledger.PruneNotifications(ctx, now.Add(-cfg.Retention)); err != nil {
		e.log.Warn("ledger retention sweep failed", logx.Err(err))
	} else {
		rep.Pruned = n
		if n > 0 {
			e.log.Debug("ledger rows pruned", logx.Int64("rows", n))
		}
	}

	subs, err := e.deps.Subscriptions.ListSubscriptions(ctx)
	if err != nil {
		e.recordError(fmt.Errorf("load subscriptions: %w", err))
		e.log.Error("tick aborted: cannot load subscriptions", logx.Err(err))
		rep.EndedEarly = true
		return rep, err
	}
	rep.Subscriptions = len(subs)
	if len(subs) == 0 {
		return rep, nil
	}

	if !e.refreshScopes(ctx, subs, &rep) {
		e.log.Warn("tick ended early: no contest data available")
		rep.EndedEarly = true
		return rep, nil
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		e.processSubscription(ctx, cfg, sub, now, &rep)
	}

	if rep.Sent > 0 || rep.Failed > 0 {
		e.log.Info("tick done",
			logx.Int("subscriptions", rep.Subscriptions),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Int("skipped", rep.Skipped),
		)
	}
	return rep, nil
}

// refreshScopes refreshes every scope referenced by subs. It reports whether
// any needed scope has data to work with.
func (e *Engine) refreshScopes(ctx context.Context, subs []storage.Subscription, rep *TickReport) bool {
	needed := map[contests.Scope]bool{}
	for _, sub := range subs {
		for _, s := range sub.Scope.Expand() {
			needed[s] = true
		}
	}
	anyData := false
	for _, s := range contests.Scopes() {
		if !needed[s] {
			continue
		}
		if err := e.deps.Contests.Refresh(ctx, s, false); err != nil {
			rep.RefreshErrors = append(rep.RefreshErrors, err.Error())
			e.log.Warn("contest refresh failed, using cached data",
				logx.String("scope", s.String()),
				logx.Bool("has_data", e.deps.Contests.HasData(s)),
				logx.Err(err),
			)
		}
		if e.deps.Contests.HasData(s) {
			anyData = true
		}
	}
	return anyData
}

func (e *Engine) processSubscription(ctx context.Context, cfg Config, sub storage.Subscription, now time.Time, rep *TickReport) {
	log := e.log.With(logx.String("subscription", sub.ID), logx.String("channel", sub.ChannelID))
	defer func() {
		if r := recover(); r != nil {
			rep.Failed++
			e.recordError(fmt.Errorf("subscription %s: panic: %v", sub.ID, r))
			log.Error("subscription processing panicked", logx.Any("panic", r))
		}
	}()

	if !e.deps.Contests.HasData(sub.Scope) {
		rep.Skipped++
		e.publish(eventbus.TypeDispatchSkipped, Delivery{SubscriptionID: sub.ID, ChannelID: sub.ChannelID, Reason: string(StatusCacheMiss)})
		return
	}

	candidates := candidatesFor(e.deps.Contests, cfg, sub, now)
	if len(candidates) == 0 {
		return
	}

	res, err := e.deps.Messenger.ResolveTarget(ctx, sub.ChannelID)
	if err != nil {
		rep.Failed++
		e.recordError(fmt.Errorf("resolve %s: %w", sub.ChannelID, err))
		log.Warn("channel resolution failed", logx.Err(err))
		return
	}
	if res.Status != transport.TargetOK {
		rep.Skipped++
		log.Warn("channel not sendable, skipping subscription",
			logx.String("status", res.Status.String()),
			logx.Strings("missing", res.Missing),
		)
		e.publish(eventbus.TypeDispatchSkipped, Delivery{SubscriptionID: sub.ID, ChannelID: sub.ChannelID, Reason: res.Status.String()})
		return
	}

	for _, ct := range candidates {
		if ctx.Err() != nil {
			return
		}
		if _, parked := e.retryUnrecorded(ctx, sub.ID, ct.ID); parked {
			continue
		}
		_, done, err := e.deps.Ledger.GetNotification(ctx, sub.ID, ct.ID)
		if err != nil {
			// Unknown ledger state: do not risk a duplicate.
			rep.Failed++
			e.recordError(fmt.Errorf("ledger lookup %s/%d: %w", sub.ID, ct.ID, err))
			log.Warn("ledger lookup failed", logx.Int64("contest", ct.ID), logx.Err(err))
			continue
		}
		if done {
			continue
		}
		if err := e.deliver(ctx, cfg, sub, res.Target, ct, now); err != nil {
			rep.Failed++
			log.Warn("notification send failed", logx.Int64("contest", ct.ID), logx.Err(err))
			continue
		}
		rep.Sent++
	}
}

// deliver sends one notification and records it in the ledger.
func (e *Engine) deliver(ctx context.Context, cfg Config, sub storage.Subscription, to transport.ChatTarget, ct contests.Contest, now time.Time) error {
	text := renderNotification(cfg, sub, ct, now)
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if sub.RoleMention != "" {
		opt.Mentions = []string{sub.RoleMention}
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	_, err := e.deps.Messenger.SendText(sctx, to, text, opt)
	cancel()
	if err != nil {
		e.totalFailed.Add(1)
		err = fmt.Errorf("send %s/%d: %w", sub.ID, ct.ID, err)
		e.recordError(err)
		e.publish(eventbus.TypeDispatchFailed, Delivery{SubscriptionID: sub.ID, ChannelID: sub.ChannelID, ContestID: ct.ID, Err: err.Error()})
		return err
	}
	e.totalSent.Add(1)

	sentAt := e.now()
	if _, err := e.deps.Ledger.RecordNotification(ctx, sub.ID, ct.ID, sentAt); err != nil {
		e.pendingMu.Lock()
		e.unrecorded[ledgerKey{sub.ID, ct.ID}] = sentAt
		e.pendingMu.Unlock()
		e.recordError(fmt.Errorf("ledger write %s/%d: %w", sub.ID, ct.ID, err))
		e.log.Error("ledger write failed after send",
			logx.String("subscription", sub.ID),
			logx.Int64("contest", ct.ID),
			logx.Err(err),
		)
	}
	e.publish(eventbus.TypeDispatchSent, Delivery{SubscriptionID: sub.ID, ChannelID: sub.ChannelID, ContestID: ct.ID})
	return nil
}

// retryUnrecorded reports whether (sub, contest) was already sent by this
// process but is missing from the ledger, retrying the write if so. The
// returned time is when the message went out.
func (e *Engine) retryUnrecorded(ctx context.Context, subID string, contestID int64) (time.Time, bool) {
	key := ledgerKey{subID, contestID}
	e.pendingMu.Lock()
	at, ok := e.unrecorded[key]
	e.pendingMu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	if _, err := e.deps.Ledger.RecordNotification(ctx, subID, contestID, at); err != nil {
		e.log.Warn("ledger write retry failed", logx.String("subscription", subID), logx.Int64("contest", contestID), logx.Err(err))
		return at, true
	}
	e.pendingMu.Lock()
	delete(e.unrecorded, key)
	e.pendingMu.Unlock()
	return at, true
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.lastErrAt = e.now()
	e.mu.Unlock()
}

func (e *Engine) publish(typ string, data any) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

// LastTickAt is the finish time of the most recent tick.
func (e *Engine) LastTickAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTickAt
}

// LastDispatchError returns the most recent per-send or tick-level error.
func (e *Engine) LastDispatchError() (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErrAt, e.lastErr
}

func (e *Engine) Snapshot() Diagnostics {
	e.mu.Lock()
	d := Diagnostics{
		Running:             e.running.Load(),
		LastTickAt:          e.lastTickAt,
		LastTick:            e.lastTick,
		LastDispatchErrorAt: e.lastErrAt,
	}
	if e.lastErr != nil {
		d.LastDispatchError = e.lastErr.Error()
	}
	e.mu.Unlock()
	d.TotalSent = e.totalSent.Load()
	d.TotalFailed = e.totalFailed.Load()
	return d
}
