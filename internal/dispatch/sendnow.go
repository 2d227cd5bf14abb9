package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
	"github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	"github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

// SendNow sends the best current candidate of one subscription outside the
// tick loop. Without force, candidates already in the ledger, or sent but
// still waiting for their ledger write, are skipped and
// already_notified is returned when none is left. With force the ledger check
// is bypassed, but the ledger row is still written.
func (e *Engine) SendNow(ctx context.Context, subscriptionID string, force bool) Result {
	cfg := e.config()
	log := e.log.With(logx.String("subscription", subscriptionID), logx.Bool("force", force))

	sub, err := e.deps.Subscriptions.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Status: StatusSubscriptionMissing}
	}
	if err != nil {
		return Result{Status: StatusSendError, Message: fmt.Sprintf("load subscription: %v", err)}
	}

	res, err := e.deps.Messenger.ResolveTarget(ctx, sub.ChannelID)
	if err != nil {
		return Result{Status: StatusSendError, Message: fmt.Sprintf("resolve channel: %v", err)}
	}
	switch res.Status {
	case transport.TargetMissing:
		return Result{Status: StatusChannelMissing}
	case transport.TargetMissingPermissions:
		return Result{Status: StatusChannelMissingPermissions, Missing: res.Missing}
	}

	for _, s := range sub.Scope.Expand() {
		if err := e.deps.Contests.Refresh(ctx, s, false); err != nil {
			log.Warn("contest refresh failed, using cached data", logx.String("scope", s.String()), logx.Err(err))
		}
	}
	if !e.deps.Contests.HasData(sub.Scope) {
		return Result{Status: StatusCacheMiss}
	}

	now := e.now()
	candidates := candidatesFor(e.deps.Contests, cfg, sub, now)
	if len(candidates) == 0 {
		return Result{Status: StatusNoMatchingCandidate}
	}

	target := candidates[0]
	if !force {
		var first *Result
		found := false
		for _, ct := range candidates {
			at, done := e.retryUnrecorded(ctx, sub.ID, ct.ID)
			if !done {
				var lerr error
				at, done, lerr = e.deps.Ledger.GetNotification(ctx, sub.ID, ct.ID)
				if lerr != nil {
					return Result{Status: StatusSendError, Message: fmt.Sprintf("ledger lookup: %v", lerr)}
				}
			}
			if !done {
				target, found = ct, true
				break
			}
			if first == nil {
				first = &Result{Status: StatusAlreadyNotified, ContestID: ct.ID, Contest: ct, NotifiedAt: at}
			}
		}
		if !found {
			return *first
		}
	}

	if err := e.deliver(ctx, cfg, sub, res.Target, target, now); err != nil {
		return Result{Status: StatusSendError, ContestID: target.ID, Contest: target, Message: err.Error()}
	}
	log.Info("manual notification sent", logx.Int64("contest", target.ID))
	return Result{Status: StatusSent, ContestID: target.ID, Contest: target, NotifiedAt: now}
}
