package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
	KindHTTP
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http_error"
	case KindRejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is checks against *Error.
var (
	ErrTimeout   = errors.New("upstream timeout")
	ErrHTTP      = errors.New("upstream http error")
	ErrRejected  = errors.New("upstream rejected request")
	ErrTransport = errors.New("upstream transport error")
	ErrClosed    = errors.New("upstream client closed")
)

// Error is returned by Client.Do for every upstream failure.
type Error struct {
	Kind    Kind
	Method  string
	Status  int    // HTTP status, 0 when no response was received
	Message string // upstream comment for KindRejected
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%s: timeout", e.Method)
	case KindHTTP:
		return fmt.Sprintf("%s: http_error(%d)", e.Method, e.Status)
	case KindRejected:
		return fmt.Sprintf("%s: rejected(%s)", e.Method, e.Message)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Method, e.Err)
		}
		return fmt.Sprintf("%s: transport error", e.Method)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrHTTP:
		return e.Kind == KindHTTP
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

// Retryable reports whether another attempt may succeed: timeouts, transport
// failures, 5xx and 429. Other 4xx and explicit rejections are final.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindTransport:
		return true
	case KindHTTP:
		return e.Status >= 500 || e.Status == 429
	default:
		return false
	}
}
