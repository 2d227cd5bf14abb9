package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	kit "github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

type recordSender struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
	return kit.MessageRef{MessageID: len(s.msgs)}, nil
}

func (s *recordSender) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.msgs) >= n {
			out := append([]string(nil), s.msgs...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: from, Text: text}}
}

func startRouter(t *testing.T, r *Router) chan kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func TestRouterDispatchesWithParsedArgs(t *testing.T) {
	t.Parallel()
	s := &recordSender{}
	r := New(s, logx.Nop(), Options{})
	got := make(chan *Request, 1)
	r.Register(Command{Name: "sendnow", Aliases: []string{"sn"}, Handle: func(ctx context.Context, req *Request) error {
		got <- req
		return nil
	}})
	updates := startRouter(t, r)

	updates <- msg(1, `/SN@arugobot "abc def" --force -v`)
	select {
	case req := <-got:
		if req.Command != "sendnow" {
			t.Fatalf("command=%q", req.Command)
		}
		if diff := cmp.Diff([]string{"abc def"}, req.Args); diff != "" {
			t.Fatalf("args (-want +got):\n%s", diff)
		}
		if !req.BoolFlags["force"] || !req.BoolFlags["v"] {
			t.Fatalf("bool flags=%v", req.BoolFlags)
		}
		if req.ReqID == "" {
			t.Fatal("missing request id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestRouterOwnerGate(t *testing.T) {
	t.Parallel()
	s := &recordSender{}
	r := New(s, logx.Nop(), Options{})
	r.SetOwners([]int64{7})
	r.Register(Command{Name: "health", Description: "status", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, "ok")
	}})
	updates := startRouter(t, r)

	updates <- msg(99, "/health")
	updates <- msg(7, "/health")
	out := s.waitFor(t, 2)
	if diff := cmp.Diff([]string{"unauthorized", "ok"}, out); diff != "" {
		t.Fatalf("replies (-want +got):\n%s", diff)
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	r := New(&recordSender{}, logx.Nop(), Options{})
	r.SetOwners([]int64{7})
	r.Register(Command{Name: "health", Description: "status", Usage: "/health", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { return nil }})

	if strings.Contains(r.helpText(1), "/health") {
		t.Fatal("owner-only command shown to non-owner")
	}
	if !strings.Contains(r.helpText(7), "/health") {
		t.Fatal("owner-only command hidden from owner")
	}
}

func TestUnknownAndPlainTextIgnored(t *testing.T) {
	t.Parallel()
	s := &recordSender{}
	r := New(s, logx.Nop(), Options{})
	r.route(context.Background(), msg(1, "hello there"))
	r.route(context.Background(), msg(1, "/nope"))
	if len(r.jobs) != 0 || len(s.msgs) != 0 {
		t.Fatalf("unexpected work: jobs=%d msgs=%v", len(r.jobs), s.msgs)
	}
}

func TestBusyWhenQueueFull(t *testing.T) {
	t.Parallel()
	s := &recordSender{}
	r := New(s, logx.Nop(), Options{QueueCap: 1})
	r.Register(Command{Name: "x", Handle: func(context.Context, *Request) error { return nil }})
	// No workers running: the first job fills the queue.
	r.route(context.Background(), msg(1, "/x"))
	r.route(context.Background(), msg(1, "/x"))
	if diff := cmp.Diff([]string{"busy, try again"}, s.msgs); diff != "" {
		t.Fatalf("replies (-want +got):\n%s", diff)
	}
}

func TestMiddlewareRecoversAndTimesOut(t *testing.T) {
	t.Parallel()
	h := Chain(func(ctx context.Context, req *Request) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		panic("boom")
	}, Recover(logx.Nop()), Logging(logx.Nop()), Deadline(time.Second))

	err := h(context.Background(), &Request{})
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("err=%v", err)
	}
}

func TestTokenizeAndFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		pos   []string
		flags map[string]string
		bools map[string]bool
	}{
		{in: `a "b c" --k=v`, pos: []string{"a", "b c"}, flags: map[string]string{"k": "v"}, bools: map[string]bool{}},
		{in: `--k v x`, pos: []string{"x"}, flags: map[string]string{"k": "v"}, bools: map[string]bool{}},
		{in: `-abc 'it\'s' ""`, pos: []string{"it's", ""}, flags: map[string]string{}, bools: map[string]bool{"a": true, "b": true, "c": true}},
		{in: `id force`, pos: []string{"id", "force"}, flags: map[string]string{}, bools: map[string]bool{}},
	}
	for _, tt := range tests {
		pos, flags, bools := parseFlags(tokenize(tt.in))
		if diff := cmp.Diff(tt.pos, pos); diff != "" {
			t.Errorf("%q pos (-want +got):\n%s", tt.in, diff)
		}
		if diff := cmp.Diff(tt.flags, flags); diff != "" {
			t.Errorf("%q flags (-want +got):\n%s", tt.in, diff)
		}
		if diff := cmp.Diff(tt.bools, bools); diff != "" {
			t.Errorf("%q bools (-want +got):\n%s", tt.in, diff)
		}
	}
}
