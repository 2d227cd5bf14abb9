package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
	"github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	"github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

func TestSendNowStatuses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		lead    int
		setup   func(t *testing.T, h *harness, subID string)
		id      func(subID string) string
		want    Status
		missing []string
		sends   int
	}{
		{name: "sent", lead: 30, want: StatusSent, sends: 1},
		{
			name: "already notified",
			lead: 30,
			setup: func(t *testing.T, h *harness, _ string) {
				h.tick(t)
			},
			want:  StatusAlreadyNotified,
			sends: 1,
		},
		{
			name: "subscription missing",
			lead: 30,
			id:   func(string) string { return "no-such-subscription" },
			want: StatusSubscriptionMissing,
		},
		{
			name: "channel missing",
			lead: 30,
			setup: func(_ *testing.T, h *harness, _ string) {
				h.msgr.targets["-1"] = transport.Resolution{Status: transport.TargetMissing}
			},
			want: StatusChannelMissing,
		},
		{
			name: "channel missing permissions",
			lead: 30,
			setup: func(_ *testing.T, h *harness, _ string) {
				h.msgr.targets["-1"] = transport.Resolution{
					Status:  transport.TargetMissingPermissions,
					Missing: []string{"can_post_messages"},
				}
			},
			want:    StatusChannelMissingPermissions,
			missing: []string{"can_post_messages"},
		},
		{
			name: "cache miss",
			lead: 30,
			setup: func(_ *testing.T, h *harness, _ string) {
				h.src.setErr(errors.New("upstream down"))
			},
			want: StatusCacheMiss,
		},
		{name: "no matching candidate", lead: 1, want: StatusNoMatchingCandidate},
		{
			name: "send error",
			lead: 30,
			setup: func(_ *testing.T, h *harness, _ string) {
				h.msgr.fail["-1"] = errors.New("telegram: bad gateway")
			},
			want: StatusSendError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, []contests.Contest{upcoming(5, "Round", 10*time.Minute)}, nil)
			sub := h.subscribe(t, storage.Subscription{ChannelID: "-1", LeadMinutes: tt.lead})
			if tt.setup != nil {
				tt.setup(t, h, sub.ID)
			}
			id := sub.ID
			if tt.id != nil {
				id = tt.id(sub.ID)
			}

			res := h.engine.SendNow(context.Background(), id, false)
			if res.Status != tt.want {
				t.Fatalf("status = %s (%s), want %s", res.Status, res.Message, tt.want)
			}
			if diff := cmp.Diff(tt.missing, res.Missing); diff != "" {
				t.Fatalf("missing (-want +got):\n%s", diff)
			}
			if got := len(h.msgr.sentTo()); got != tt.sends {
				t.Fatalf("sends = %d, want %d", got, tt.sends)
			}
			switch tt.want {
			case StatusSent, StatusAlreadyNotified:
				if res.ContestID != 5 || !h.notified(t, sub.ID, 5) {
					t.Fatalf("result = %+v", res)
				}
			case StatusSendError:
				if res.Message == "" || h.notified(t, sub.ID, 5) {
					t.Fatalf("result = %+v", res)
				}
			}
		})
	}
}

func TestSendNowForceBypassesLedger(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []contests.Contest{upcoming(5, "Round", 10*time.Minute)}, nil)
	sub := h.subscribe(t, storage.Subscription{ChannelID: "-1", LeadMinutes: 30})
	h.tick(t)

	if res := h.engine.SendNow(context.Background(), sub.ID, true); res.Status != StatusSent {
		t.Fatalf("forced send = %+v", res)
	}
	if got := len(h.msgr.sentTo()); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestSendNowHonorsUnrecordedSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []contests.Contest{upcoming(1, "Round", 5*time.Minute)}, nil)
	sub := h.subscribe(t, storage.Subscription{ChannelID: "-1", LeadMinutes: 30})
	ledger := &flakyLedger{Ledger: h.store, failures: 1}
	e, err := New(Config{}, Deps{Subscriptions: h.store, Ledger: ledger, Contests: h.cache, Messenger: h.msgr}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	e.SetClock(h.clk.Now)

	if rep, err := e.Tick(context.Background()); err != nil || rep.Sent != 1 {
		t.Fatalf("tick = %+v, %v", rep, err)
	}
	if h.notified(t, sub.ID, 1) {
		t.Fatal("ledger write should have failed")
	}

	h.clk.Advance(time.Minute)
	res := e.SendNow(context.Background(), sub.ID, false)
	if res.Status != StatusAlreadyNotified || res.ContestID != 1 || !res.NotifiedAt.Equal(t0) {
		t.Fatalf("sendnow = %+v", res)
	}
	if got := len(h.msgr.sentTo()); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
	if !h.notified(t, sub.ID, 1) {
		t.Fatal("parked ledger write not retried")
	}
}

func TestRetentionSweepRunsWithoutSubscriptions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)
	_, _ = h.store.RecordNotification(context.Background(), "gone", 1, t0.Add(-30*24*time.Hour))

	rep := h.tick(t)
	if rep.Subscriptions != 0 || rep.Pruned != 1 || h.notified(t, "gone", 1) {
		t.Fatalf("report = %+v", rep)
	}
}
