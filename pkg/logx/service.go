package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/canislupaster/arugobot-improved-sub003/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./arugobot.log"

// Service owns the log outputs and swaps them on Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatSink

	out atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root Logger. A nil
// sender leaves the chat sink inert.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	s := &Service{chat: newChatSink(sender)}
	boot := newZerolog(consoleWriter(os.Stdout), parseLevel(cfg.Level, LevelInfo))
	s.out.Store(&boot)
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.out.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the outputs from cfg. Loggers handed out earlier pick up
// the change on their next record.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeFileLocked()
	s.chat.configure(cfg.Chat)

	var ws []io.Writer
	if cfg.Console {
		ws = append(ws, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if w := s.openFileLocked(cfg.File.Path); w != nil {
			ws = append(ws, w)
		}
	}
	if cfg.Chat.Enabled && s.chat.start() {
		ws = append(ws, s.chat)
	}
	if len(ws) == 0 {
		ws = append(ws, consoleWriter(os.Stdout))
	}

	zl := newZerolog(zerolog.MultiLevelWriter(ws...), parseLevel(cfg.Level, LevelInfo))
	s.out.Store(&zl)
}

func (s *Service) openFileLocked(path string) io.Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		return nil
	}
	s.file = f
	return zerolog.SyncWriter(f)
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Close stops the chat sink and closes the log file.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}
