package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
	"github.com/canislupaster/arugobot-improved-sub003/internal/coordinator"
	"github.com/canislupaster/arugobot-improved-sub003/internal/dispatch"
	rtsup "github.com/canislupaster/arugobot-improved-sub003/internal/runtime/supervisor"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
	"github.com/canislupaster/arugobot-improved-sub003/internal/task/scheduler"
	kit "github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	"github.com/canislupaster/arugobot-improved-sub003/internal/transport/telegram/router"
	"github.com/canislupaster/arugobot-improved-sub003/internal/upstream"
	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
	"github.com/canislupaster/arugobot-improved-sub003/pkg/tgui"
)

const tickScheduleName = "dispatch.tick"

// subscriptionStore is what the admin commands need from storage.
type subscriptionStore interface {
	CreateSubscription(ctx context.Context, sub storage.Subscription) (storage.Subscription, error)
	GetSubscription(ctx context.Context, id string) (storage.Subscription, error)
	ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]storage.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// admin holds the components the owner-only commands report on.
type admin struct {
	store     subscriptionStore
	cache     *contests.Cache
	engine    *dispatch.Engine
	coord     *coordinator.Coordinator
	client    *upstream.Client
	sched     *scheduler.Service
	sups      *rtsup.Registry
	messenger kit.Messenger
	now       func() time.Time
}

func (a *admin) register(r *router.Router) {
	r.Register(router.Command{
		Name:        "health",
		Aliases:     []string{"status"},
		Description: "cache, dispatch and lock state",
		Usage:       "/health",
		Access:      router.AccessOwnerOnly,
		Handle:      a.health,
	})
	r.Register(router.Command{
		Name:        "sendnow",
		Description: "send the current candidate of a subscription",
		Usage:       "/sendnow <subscription-id> [force]",
		Access:      router.AccessOwnerOnly,
		Timeout:     time.Minute,
		Handle:      a.sendNow,
	})
	r.Register(router.Command{
		Name:        "subs",
		Description: "list subscriptions of this chat",
		Usage:       "/subs",
		Access:      router.AccessOwnerOnly,
		Handle:      a.subs,
	})
	r.Register(router.Command{
		Name:        "subscribe",
		Description: "add a subscription",
		Usage:       "/subscribe <chat[:thread]|here> [reminder|finished] --scope= --lead= --window= --include= --exclude= --mention=",
		Access:      router.AccessOwnerOnly,
		Handle:      a.subscribe,
	})
	r.Register(router.Command{
		Name:        "unsubscribe",
		Description: "remove a subscription of this chat",
		Usage:       "/unsubscribe <subscription-id>",
		Access:      router.AccessOwnerOnly,
		Handle:      a.unsubscribe,
	})
	r.Register(router.Command{
		Name:        "tick",
		Description: "run a dispatch tick now",
		Usage:       "/tick",
		Access:      router.AccessOwnerOnly,
		Timeout:     3 * time.Minute,
		Handle:      a.tick,
	})
}

func (a *admin) ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, a.now(), "ago", "from now")
}

func (a *admin) health(ctx context.Context, req *router.Request) error {
	card := tgui.NewCard().Title("Health")

	if a.coord != nil {
		st := a.coord.Status()
		leader := "no"
		if st.Leader {
			leader = "yes"
		}
		card.KV("leader", leader)
		if st.Holder.OwnerID != "" && !st.Leader {
			card.KV("lock holder", fmt.Sprintf("%s (pid %d, heartbeat %s)", st.Holder.OwnerID, st.Holder.PID, a.ago(st.Holder.HeartbeatAt)))
		}
		if st.LastError != "" {
			card.KV("lock error", st.LastError)
		}
	}

	card.Blank().HTML(tgui.B("Contest cache"))
	for _, s := range a.cache.Status() {
		line := fmt.Sprintf("%d contests, refreshed %s", s.Count, a.ago(s.RefreshedAt))
		card.KV(s.Scope.String(), line)
		if s.LastError != "" {
			card.Bullet(fmt.Sprintf("last error %s: %s", a.ago(s.LastErrorAt), s.LastError))
		}
	}

	d := a.engine.Snapshot()
	card.Blank().HTML(tgui.B("Dispatch"))
	card.KV("last tick", a.ago(d.LastTickAt))
	if !d.LastTickAt.IsZero() {
		t := d.LastTick
		card.KV("last tick result", fmt.Sprintf("subs=%d sent=%d skipped=%d failed=%d took=%s",
			t.Subscriptions, t.Sent, t.Skipped, t.Failed, t.FinishedAt.Sub(t.StartedAt).Round(time.Millisecond)))
	}
	if d.Running {
		card.KV("running", "yes")
	}
	card.KV("totals", fmt.Sprintf("sent=%d failed=%d", d.TotalSent, d.TotalFailed))
	if d.LastDispatchError != "" {
		card.KV("last dispatch error", fmt.Sprintf("%s (%s)", d.LastDispatchError, a.ago(d.LastDispatchErrorAt)))
	}

	if a.client != nil {
		st := a.client.Stats()
		card.KV("upstream", fmt.Sprintf("requests=%d retries=%d failures=%d last=%s",
			st.Requests, st.Retries, st.Failures, a.ago(st.LastRequestAt)))
	}

	if a.sched != nil {
		snap := a.sched.Snapshot()
		card.Blank().HTML(tgui.B("Scheduler"))
		if !snap.Enabled {
			card.KV("enabled", "no")
		}
		for _, s := range snap.Schedules {
			next := "-"
			if !s.Next.IsZero() {
				next = a.ago(s.Next)
			}
			card.KV(s.Name, fmt.Sprintf("%s next=%s runs=%d failures=%d gated=%d", s.Spec, next, s.Runs, s.Failures, s.Gated))
			if s.LastErr != "" {
				card.Bullet("last error: " + s.LastErr)
			}
		}
	}

	if names := a.sups.Names(); len(names) > 0 {
		card.Blank().HTML(tgui.B("Loops"))
		for _, n := range names {
			sup := a.sups.Get(n)
			if sup == nil {
				continue
			}
			restarts := uint64(0)
			for _, l := range sup.Snapshot() {
				restarts += l.Restarts
			}
			card.KV(n, fmt.Sprintf("active=%d restarts=%d", sup.Active(), restarts))
		}
	}
	return req.Reply(ctx, card.String())
}

func (a *admin) sendNow(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: "+tgui.Code("/sendnow <subscription-id> [force]").String())
	}
	id := req.Args[0]
	force := req.BoolFlags["force"] || req.BoolFlags["f"]
	for _, arg := range req.Args[1:] {
		if strings.EqualFold(arg, "force") {
			force = true
		}
	}
	res := a.engine.SendNow(ctx, id, force)
	req.Logger.Info("manual send", logStatus(res)...)
	return req.Reply(ctx, renderResult(id, res))
}

func logStatus(res dispatch.Result) []logx.Field {
	fields := []logx.Field{logx.String("status", string(res.Status))}
	if res.ContestID != 0 {
		fields = append(fields, logx.Int64("contest_id", res.ContestID))
	}
	if res.Message != "" {
		fields = append(fields, logx.String("message", res.Message))
	}
	return fields
}

func renderResult(id string, res dispatch.Result) string {
	card := tgui.NewCard().Title("Send now")
	card.KV("subscription", id)
	card.HTML(tgui.JoinH(" ", tgui.B("status:"), tgui.Code(res.String())))
	if res.Contest.ID != 0 {
		card.KV("contest", res.Contest.Name)
	}
	if len(res.Missing) > 0 {
		card.KV("missing", strings.Join(res.Missing, ", "))
	}
	return card.String()
}

func (a *admin) subs(ctx context.Context, req *router.Request) error {
	list, err := a.store.ListSubscriptionsByOwner(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	card := tgui.NewCard().Title("Subscriptions")
	if len(list) == 0 {
		card.Line("none")
		return req.Reply(ctx, card.String())
	}
	for _, s := range list {
		card.HTML(tgui.JoinH(" ", tgui.Code(s.ID), tgui.Esc(describeSubscription(s))))
	}
	return req.Reply(ctx, card.String())
}

func describeSubscription(s storage.Subscription) string {
	parts := []string{string(s.Kind), s.Scope.String(), "to " + s.ChannelID}
	switch s.Kind {
	case storage.KindFinished:
		if s.WindowMinutes > 0 {
			parts = append(parts, fmt.Sprintf("window=%dm", s.WindowMinutes))
		}
	default:
		if s.LeadMinutes > 0 {
			parts = append(parts, fmt.Sprintf("lead=%dm", s.LeadMinutes))
		}
	}
	if len(s.Include) > 0 {
		parts = append(parts, "include="+strings.Join(s.Include, ","))
	}
	if len(s.Exclude) > 0 {
		parts = append(parts, "exclude="+strings.Join(s.Exclude, ","))
	}
	if s.RoleMention != "" {
		parts = append(parts, "mention="+s.RoleMention)
	}
	return strings.Join(parts, " ")
}

func (a *admin) subscribe(ctx context.Context, req *router.Request) error {
	sub, err := subscriptionFromRequest(req)
	if err != nil {
		return req.Reply(ctx, tgui.Esc(err.Error()).String())
	}
	res, err := a.messenger.ResolveTarget(ctx, sub.ChannelID)
	if err != nil {
		return req.Reply(ctx, tgui.Esc("cannot check target: "+err.Error()).String())
	}
	switch res.Status {
	case kit.TargetMissing:
		return req.Reply(ctx, "target chat not found or bot is not a member")
	case kit.TargetMissingPermissions:
		return req.Reply(ctx, tgui.Esc("bot lacks permissions: "+strings.Join(res.Missing, ", ")).String())
	}
	created, err := a.store.CreateSubscription(ctx, sub)
	if err != nil {
		return req.Reply(ctx, tgui.Esc(err.Error()).String())
	}
	return req.Reply(ctx, tgui.JoinH(" ", tgui.Esc("created"), tgui.Code(created.ID), tgui.Esc(describeSubscription(created))).String())
}

func subscriptionFromRequest(req *router.Request) (storage.Subscription, error) {
	if len(req.Args) == 0 {
		return storage.Subscription{}, errors.New("usage: /subscribe <chat[:thread]|here> [reminder|finished]")
	}
	sub := storage.Subscription{OwnerID: req.Chat.ChatID, Kind: storage.KindReminder}

	target := req.Args[0]
	if strings.EqualFold(target, "here") {
		target = req.Chat.String()
	} else if _, err := kit.ParseChatTarget(target); err != nil {
		return storage.Subscription{}, err
	}
	sub.ChannelID = target

	if len(req.Args) > 1 {
		sub.Kind = storage.SubscriptionKind(strings.ToLower(req.Args[1]))
		if !sub.Kind.Valid() {
			return storage.Subscription{}, fmt.Errorf("unknown kind %q (use reminder or finished)", req.Args[1])
		}
	}
	if raw, ok := req.Flags["scope"]; ok {
		scope, err := contests.ParseScope(raw)
		if err != nil {
			return storage.Subscription{}, err
		}
		sub.Scope = scope
	}
	var err error
	if sub.LeadMinutes, err = intFlag(req, "lead"); err != nil {
		return storage.Subscription{}, err
	}
	if sub.WindowMinutes, err = intFlag(req, "window"); err != nil {
		return storage.Subscription{}, err
	}
	sub.Include = splitList(req.Flags["include"])
	sub.Exclude = splitList(req.Flags["exclude"])
	sub.RoleMention = req.Flags["mention"]
	return sub, nil
}

func intFlag(req *router.Request, name string) (int, error) {
	raw, ok := req.Flags[name]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("--%s must be a non-negative number of minutes", name)
	}
	return n, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (a *admin) unsubscribe(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: "+tgui.Code("/unsubscribe <subscription-id>").String())
	}
	id := req.Args[0]
	sub, err := a.store.GetSubscription(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && sub.OwnerID != req.Chat.ChatID) {
		return req.Reply(ctx, "subscription not found")
	}
	if err != nil {
		return err
	}
	if err := a.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	return req.Reply(ctx, tgui.JoinH(" ", tgui.Esc("removed"), tgui.Code(id)).String())
}

func (a *admin) tick(ctx context.Context, req *router.Request) error {
	err := a.sched.RunNow(ctx, tickScheduleName)
	switch {
	case err == nil:
		d := a.engine.Snapshot().LastTick
		return req.Reply(ctx, tgui.Esc(fmt.Sprintf("tick done: sent=%d skipped=%d failed=%d", d.Sent, d.Skipped, d.Failed)).String())
	case errors.Is(err, scheduler.ErrGated):
		return req.Reply(ctx, "not the lock holder; tick skipped")
	case errors.Is(err, scheduler.ErrSkipped):
		return req.Reply(ctx, "a tick is already running")
	case errors.Is(err, scheduler.ErrDisabled):
		return req.Reply(ctx, "scheduler is disabled")
	default:
		return req.Reply(ctx, tgui.Esc("tick failed: "+err.Error()).String())
	}
}
