package contests

import (
	"fmt"
	"strings"
	"time"
)

// Scope partitions the upstream contest space. It is a closed set; ScopeAll is
// a read-only view derived from the concrete scopes.
type Scope int

const (
	ScopeOfficial Scope = iota
	ScopeGym
	ScopeAll
)

// Scopes lists the concrete (fetchable) scopes in union-precedence order.
func Scopes() []Scope { return []Scope{ScopeOfficial, ScopeGym} }

func (s Scope) String() string {
	switch s {
	case ScopeOfficial:
		return "official"
	case ScopeGym:
		return "gym"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Concrete reports whether s is backed by its own upstream fetch.
func (s Scope) Concrete() bool { return s == ScopeOfficial || s == ScopeGym }

// Expand returns the concrete scopes that make up s.
func (s Scope) Expand() []Scope {
	switch s {
	case ScopeOfficial, ScopeGym:
		return []Scope{s}
	case ScopeAll:
		return Scopes()
	default:
		return nil
	}
}

// CacheKey is the persisted snapshot key for a concrete scope.
func (s Scope) CacheKey() string { return "contests:" + s.String() }

func (s Scope) MarshalText() ([]byte, error) {
	if s != ScopeOfficial && s != ScopeGym && s != ScopeAll {
		return nil, fmt.Errorf("invalid scope %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	v, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "official", "":
		return ScopeOfficial, nil
	case "gym":
		return ScopeGym, nil
	case "all":
		return ScopeAll, nil
	default:
		return 0, fmt.Errorf("unknown scope %q (use official, gym or all)", raw)
	}
}

// Phase uses the upstream spelling.
type Phase string

const (
	PhaseBefore            Phase = "BEFORE"
	PhaseCoding            Phase = "CODING"
	PhasePendingSystemTest Phase = "PENDING_SYSTEM_TEST"
	PhaseSystemTest        Phase = "SYSTEM_TEST"
	PhaseFinished          Phase = "FINISHED"
)

// Contest is an immutable snapshot of one upstream contest.
type Contest struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Phase     Phase         `json:"phase"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Scope     Scope         `json:"scope"`
}

// EndTime is zero when the start time is unknown.
func (c Contest) EndTime() time.Time {
	if c.StartTime.IsZero() {
		return time.Time{}
	}
	return c.StartTime.Add(c.Duration)
}

func formatID(id int64) string { return fmt.Sprintf("%d", id) }
