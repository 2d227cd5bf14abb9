package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// slowCommand promotes the completion log of a command from debug to info.
const slowCommand = 750 * time.Millisecond

// Chain wraps h so that m[0] is the outermost layer.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// requestLogger prefers the per-request logger, which already carries the
// request id and chat fields.
func requestLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

// Deadline bounds each handler call by d. Zero or negative disables it.
func Deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recover turns a handler panic into an error so one bad command cannot
// take down the worker pool.
func Recover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				requestLogger(log, req).Error("command panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// Logging records the outcome and latency of every command.
func Logging(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			started := time.Now()
			err := next(ctx, req)
			took := time.Since(started)

			l := requestLogger(log, req)
			if req != nil {
				l = l.With(logx.Int("thread_id", req.Chat.ThreadID))
			}
			switch {
			case err != nil:
				l.Warn("command failed", logx.Duration("took", took), logx.Err(err))
			case took >= slowCommand:
				l.Info("command done", logx.Duration("took", took))
			default:
				l.Debug("command done", logx.Duration("took", took))
			}
			return err
		}
	}
}
