package router

import (
	"context"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "github.com/canislupaster/arugobot-improved-sub003/internal/runtime/supervisor"
	kit "github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
	"github.com/canislupaster/arugobot-improved-sub003/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string // positionals after flag parsing

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends an HTML message back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, html string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Options tune the router's worker pool.
type Options struct {
	Workers  int
	QueueCap int
	// DefaultTimeout applies to commands without their own Timeout.
	DefaultTimeout time.Duration
}

// Router parses slash commands from updates and runs them on a bounded
// worker pool.
type Router struct {
	log    logx.Logger
	sender kit.Sender
	opts   Options

	mu       sync.RWMutex
	commands map[string]*Command // name and aliases
	ordered  []*Command
	owners   []int64

	jobs chan func()
}

func New(sender kit.Sender, log logx.Logger, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 64
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	r := &Router{
		log:      log,
		sender:   sender,
		opts:     opts,
		commands: map[string]*Command{},
		jobs:     make(chan func(), opts.QueueCap),
	}
	r.Register(Command{
		Name:        "help",
		Description: "list commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.FromID))
		},
	})
	return r
}

// Register adds or replaces a command. Names are case-insensitive.
func (r *Router) Register(c Command) {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || c.Handle == nil {
		return
	}
	cc := c
	cc.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordered = slices.DeleteFunc(r.ordered, func(o *Command) bool { return o.Name == name })
	r.ordered = append(r.ordered, &cc)
	r.commands[name] = &cc
	for _, a := range c.Aliases {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			r.commands[a] = &cc
		}
	}
}

// SetOwners replaces the owner list checked for AccessOwnerOnly.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

func (r *Router) lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[name]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Run consumes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < r.opts.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command router started", logx.Int("workers", r.opts.Workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	parts := tokenize(strings.TrimSpace(msg.Text))
	if len(parts) == 0 {
		return
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	cmd, ok := r.lookup(word)
	if !ok {
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		_, _ = r.sender.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	raw := parts[1:]
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Chat:      chat,
		FromID:    msg.FromID,
		Command:   cmd.Name,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Sender:    r.sender,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	final := Chain(cmd.Handle,
		Recover(r.log),
		Logging(r.log),
		Deadline(timeout),
	)
	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		_, _ = r.sender.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (r *Router) helpText(from int64) string {
	owner := r.isOwner(from)
	r.mu.RLock()
	cmds := make([]Command, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		cmds = append(cmds, *c)
	}
	r.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	card := tgui.NewCard().Title("Commands")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := tgui.JoinH(" ", tgui.Code(usage), tgui.Esc(c.Description))
		card.HTML(line)
	}
	return card.String()
}
