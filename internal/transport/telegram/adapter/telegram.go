package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "github.com/canislupaster/arugobot-improved-sub003/internal/runtime/supervisor"
	kit "github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
	"github.com/canislupaster/arugobot-improved-sub003/pkg/tgui"
)

// Config configures the Telegram adapter.
type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string
	// Offline skips the getMe call at construction.
	Offline bool
	// SendRatePerSec caps outbound sendMessage calls across all chats.
	SendRatePerSec float64
	SendBurst      int
}

const textLimit = 4000

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 20
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 5
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendBurst),
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := &kit.Message{
			ID:       m.ID,
			ChatID:   m.Chat.ID,
			ThreadID: m.ThreadID,
			Text:     m.Text,
		}
		if m.Sender != nil {
			msg.FromID = m.Sender.ID
			msg.FromUsername = m.Sender.Username
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

// Start begins long polling and forwards text messages to out.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns while the context is live.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poller exited")
		}
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

// Stop cancels polling and waits a short grace period for goroutines.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	go a.bot.Stop()
	if err := sup.Stop(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Supervisor returns the polling supervisor, or nil when not started.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// SendText sends text split at line boundaries. Mentions are prepended to
// the first chunk. The returned ref points at the first message sent.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if m := joinMentions(opt.Mentions); m != "" {
		text = m + "\n" + text
	}
	chunks := tgui.Split(text, textLimit)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func joinMentions(ms []string) string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		if m = strings.TrimSpace(m); m != "" {
			parts = append(parts, m)
		}
	}
	return strings.Join(parts, " ")
}

// ResolveTarget checks that the bot can see the chat and post into it.
// Errors other than "chat gone" are returned as-is.
func (a *Adapter) ResolveTarget(ctx context.Context, channelID string) (kit.Resolution, error) {
	target, err := kit.ParseChatTarget(channelID)
	if err != nil {
		return kit.Resolution{Status: kit.TargetMissing}, nil
	}
	res := kit.Resolution{Target: target}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	chat, err := a.bot.ChatByID(target.ChatID)
	if err != nil {
		if chatGone(err) {
			res.Status = kit.TargetMissing
			return res, nil
		}
		return res, err
	}
	if chat.Type == tele.ChatPrivate {
		res.Status = kit.TargetOK
		return res, nil
	}

	member, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil {
		if chatGone(err) {
			res.Status = kit.TargetMissing
			return res, nil
		}
		return res, err
	}
	res.Status, res.Missing = memberStatus(chat.Type, member)
	return res, nil
}

func memberStatus(chatType tele.ChatType, m *tele.ChatMember) (kit.TargetStatus, []string) {
	switch m.Role {
	case tele.Left, tele.Kicked:
		return kit.TargetMissing, nil
	case tele.Creator:
		return kit.TargetOK, nil
	}
	if isChannel(chatType) {
		if m.Role != tele.Administrator || !m.CanPostMessages {
			return kit.TargetMissingPermissions, []string{"can_post_messages"}
		}
		return kit.TargetOK, nil
	}
	if m.Role == tele.Restricted && !m.CanSendMessages {
		return kit.TargetMissingPermissions, []string{"can_send_messages"}
	}
	return kit.TargetOK, nil
}

// isChannel covers both public channels and those without a username,
// which telebot reports as ChatChannelPrivate.
func isChannel(t tele.ChatType) bool {
	return t == tele.ChatChannel || t == tele.ChatChannelPrivate
}

func chatGone(err error) bool {
	switch {
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel),
		errors.Is(err, tele.ErrBlockedByUser):
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "chat not found") || strings.Contains(msg, "bot was kicked")
}
