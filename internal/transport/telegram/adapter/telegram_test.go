package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	kit "github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

// fakeBotAPI serves the handful of Bot API methods the adapter calls.
type fakeBotAPI struct {
	mu      sync.Mutex
	chats   map[string]string // chat id -> raw chat JSON
	members map[string]string // chat id -> raw member JSON
	fail    map[string]string // chat id -> raw error JSON
	sent    []string
	threads []int
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	body, _ := io.ReadAll(r.Body)
	params := map[string]any{}
	_ = json.Unmarshal(body, &params)
	chatID := fmt.Sprint(params["chat_id"])

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if e, ok := f.fail[chatID]; ok {
		_, _ = io.WriteString(w, e)
		return
	}
	switch method {
	case "getChat":
		c, ok := f.chats[chatID]
		if !ok {
			_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":`+c+`}`)
	case "getChatMember":
		_, _ = io.WriteString(w, `{"ok":true,"result":`+f.members[chatID]+`}`)
	case "sendMessage":
		f.sent = append(f.sent, fmt.Sprint(params["text"]))
		thread := 0
		if v, ok := params["message_thread_id"]; ok {
			_, _ = fmt.Sscan(fmt.Sprint(v), &thread)
		}
		f.threads = append(f.threads, thread)
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%s,"type":"group"}}}`, len(f.sent), chatID)
	default:
		_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func newTestAdapter(t *testing.T, api *fakeBotAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Offline: true, SendRatePerSec: 1000, SendBurst: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func member(status string, extra string) string {
	m := `{"status":"` + status + `","user":{"id":1,"is_bot":true,"first_name":"bot"}`
	if extra != "" {
		m += "," + extra
	}
	return m + "}"
}

func TestResolveTarget(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{
		chats: map[string]string{
			"-1001": `{"id":-1001,"type":"channel","title":"news"}`,
			"-1002": `{"id":-1002,"type":"channel","title":"posting"}`,
			"-1003": `{"id":-1003,"type":"channel","title":"public","username":"cfnews"}`,
			"-1004": `{"id":-1004,"type":"privatechannel","title":"private"}`,
			"-2001": `{"id":-2001,"type":"supergroup","title":"muted"}`,
			"-2002": `{"id":-2002,"type":"supergroup","title":"left"}`,
			"-2003": `{"id":-2003,"type":"supergroup","title":"ok"}`,
			"42":    `{"id":42,"type":"private","first_name":"owner"}`,
		},
		members: map[string]string{
			"-1001": member("administrator", `"can_post_messages":false`),
			"-1002": member("administrator", `"can_post_messages":true`),
			"-1003": member("administrator", `"can_post_messages":false`),
			"-1004": member("member", ""),
			"-2001": member("restricted", `"can_send_messages":false`),
			"-2002": member("left", ""),
			"-2003": member("member", ""),
		},
		fail: map[string]string{
			"-3001": `{"ok":false,"error_code":500,"description":"Internal Server Error"}`,
		},
	}
	a := newTestAdapter(t, api)

	tests := []struct {
		channel string
		want    kit.TargetStatus
		missing []string
		wantErr bool
	}{
		{channel: "-1001", want: kit.TargetMissingPermissions, missing: []string{"can_post_messages"}},
		{channel: "-1002", want: kit.TargetOK},
		{channel: "-1003", want: kit.TargetMissingPermissions, missing: []string{"can_post_messages"}},
		{channel: "-1004", want: kit.TargetMissingPermissions, missing: []string{"can_post_messages"}},
		{channel: "-2001", want: kit.TargetMissingPermissions, missing: []string{"can_send_messages"}},
		{channel: "-2002", want: kit.TargetMissing},
		{channel: "-2003:7", want: kit.TargetOK},
		{channel: "42", want: kit.TargetOK},
		{channel: "-9999", want: kit.TargetMissing},
		{channel: "not-a-chat", want: kit.TargetMissing},
		{channel: "-3001", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			res, err := a.ResolveTarget(context.Background(), tt.channel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", res.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveTarget: %v", err)
			}
			if res.Status != tt.want {
				t.Fatalf("status=%v want %v", res.Status, tt.want)
			}
			if diff := cmp.Diff(tt.missing, res.Missing); diff != "" {
				t.Fatalf("missing (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSendTextChunksAndMentions(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	line := strings.Repeat("x", 99) + "\n"
	text := strings.Repeat(line, 90) // 9000 runes

	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: -2003, ThreadID: 7}, text, &kit.SendOptions{
		ParseMode: "HTML",
		Mentions:  []string{"@contest", " "},
	})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 1 || ref.ThreadID != 7 {
		t.Fatalf("ref=%+v", ref)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(api.sent))
	}
	if !strings.HasPrefix(api.sent[0], "@contest\n") {
		t.Fatalf("mention not prepended: %q", api.sent[0][:20])
	}
	for i, s := range api.sent {
		if n := len([]rune(s)); n > textLimit {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
	if diff := cmp.Diff([]int{7, 7, 7}, api.threads); diff != "" {
		t.Fatalf("threads (-want +got):\n%s", diff)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
