package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget addresses a chat, optionally a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("%d:%d", t.ChatID, t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseChatTarget parses "<chat_id>" or "<chat_id>:<thread_id>".
func ParseChatTarget(raw string) (ChatTarget, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChatTarget{}, fmt.Errorf("chat target required")
	}
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return ChatTarget{}, fmt.Errorf("invalid chat id in %q", raw)
	}
	t := ChatTarget{ChatID: chatID}
	if hasThread {
		th, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || th < 0 {
			return ChatTarget{}, fmt.Errorf("invalid thread id in %q", raw)
		}
		t.ThreadID = th
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Mentions are prepended to the text on platforms without native role pings.
	Mentions []string
}

// TargetStatus is the outcome of resolving a channel id into something we can post to.
type TargetStatus int

const (
	TargetOK TargetStatus = iota
	TargetMissing
	TargetMissingPermissions
)

func (s TargetStatus) String() string {
	switch s {
	case TargetOK:
		return "ok"
	case TargetMissing:
		return "missing"
	case TargetMissingPermissions:
		return "missing_permissions"
	default:
		return "unknown"
	}
}

// Resolution describes whether a channel is currently sendable.
// Missing lists the permissions the bot lacks when Status is TargetMissingPermissions.
type Resolution struct {
	Status  TargetStatus
	Target  ChatTarget
	Missing []string
}

// Sender is the outbound half of a messaging platform.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Messenger resolves targets and sends messages. Transport errors from
// ResolveTarget mean "could not determine", not "missing".
type Messenger interface {
	Sender
	ResolveTarget(ctx context.Context, channelID string) (Resolution, error)
}

type Adapter interface {
	Messenger
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
