package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/transport"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return transport.MessageRef{}, nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"", LevelInfo},
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"Error", LevelError},
		{"loud", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Errorf("parseLevel(%q)=%v want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("component", "dispatch"))
	log.Debug("hidden")
	log.Warn("tick failed", Int("sent", 2), Err(nil))

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("want exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["message"] != "tick failed" || rec["component"] != "dispatch" || rec["sent"] != float64(2) {
		t.Fatalf("record=%v", rec)
	}
	if _, ok := rec["err"]; ok {
		t.Fatal("nil error must not add a field")
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
	l.Error("dropped")
}

func TestRenderChatLine(t *testing.T) {
	t.Parallel()
	got := renderChatLine([]byte(`{"level":"error","time":"x","message":"send failed","sub":"s1","attempt":3}`))
	want := "[ERROR] send failed\n- attempt=3\n- sub=s1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := renderChatLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw line=%q", got)
	}
	long := renderChatLine([]byte(`{"message":"` + strings.Repeat("x", 5000) + `"}`))
	if len(long) != chatMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("len=%d", len(long))
	}
}

func TestServiceFileAndChatSinks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.log")
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Chat: ChatConfig{
			Enabled:    true,
			Target:     transport.ChatTarget{ChatID: -100},
			MinLevel:   "error",
			RatePerSec: 5,
		},
	}, sender)
	defer svc.Close()

	log.Warn("below chat level")
	log.Error("lock lost", String("owner", "a"))

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := sender.snapshot()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "[ERROR] lock lost") || !strings.Contains(msgs[0], "- owner=a") {
		t.Fatalf("chat messages=%q", msgs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := bytes.Count(data, []byte("\n")); n != 2 {
		t.Fatalf("file has %d records:\n%s", n, data)
	}

	// Raising the level applies to the logger handed out before.
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	if log.Enabled(LevelWarn) {
		t.Fatal("warn still enabled after Apply")
	}
}
