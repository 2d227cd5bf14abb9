package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/canislupaster/arugobot-improved-sub003/internal/transport"
)

// ChatConfig forwards log lines at or above MinLevel to an operator chat.
type ChatConfig struct {
	Enabled    bool
	Target     transport.ChatTarget
	MinLevel   string
	RatePerSec int
}

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
	chatMaxValueLen = 600
)

type chatLine struct {
	to   transport.ChatTarget
	text string
}

// chatSink is a zerolog.LevelWriter that queues records for an operator
// chat. Writes never block; records over the rate or queue limit are
// dropped.
type chatSink struct {
	sender transport.Sender
	queue  chan chatLine

	mu       sync.Mutex
	target   transport.ChatTarget
	minLevel Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newChatSink(sender transport.Sender) *chatSink {
	return &chatSink{sender: sender, queue: make(chan chatLine, chatQueueSize)}
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(cfg.RatePerSec, 1)
	c.mu.Lock()
	c.target = cfg.Target
	c.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

// start launches the delivery goroutine once. It reports false when there
// is no sender to deliver with.
func (c *chatSink) start() bool {
	if c.sender == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return true
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
	return true
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_, _ = c.sender.SendText(sctx, ln.to, ln.text, &transport.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(LevelInfo, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, minLevel, lim := c.target, c.minLevel, c.limiter
	c.mu.Unlock()

	if to.ChatID == 0 || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := renderChatLine(p); text != "" {
		select {
		case c.queue <- chatLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// renderChatLine turns one JSON record into "[LEVEL] message" followed by
// one "- key=value" line per field in key order.
func renderChatLine(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(rec, zerolog.TimestampFieldName)
	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), chatMaxValueLen))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
