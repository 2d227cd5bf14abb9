package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

const (
	defaultBaseURL = "https://codeforces.com/api/"
	maxBodyBytes   = 32 << 20
)

// DefaultSlowMethods are API methods known to take far longer than the rest.
var DefaultSlowMethods = []string{
	"contest.standings",
	"contest.ratingChanges",
	"contest.status",
	"user.status",
	"problemset.problems",
}

type Config struct {
	BaseURL     string
	MinDelay    time.Duration // between the end of one request and the start of the next
	Timeout     time.Duration
	SlowTimeout time.Duration
	SlowMethods []string

	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	UserAgent string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SlowTimeout <= 0 {
		c.SlowTimeout = 30 * time.Second
	}
	if c.SlowMethods == nil {
		c.SlowMethods = DefaultSlowMethods
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "arugobot"
	}
	return c
}

// Stats are best-effort counters for diagnostics.
type Stats struct {
	Requests      uint64
	Retries       uint64
	Failures      uint64
	LastRequestAt time.Time
}

// Client is a paced, retrying client for a read-only JSON API with a
// {"status": "OK"|"FAILED", "result": ..., "comment": ...} envelope.
//
// Every request, including retries, goes through one FIFO pacing queue.
// Callers own caching.
type Client struct {
	cfg   Config
	http  *http.Client
	log   logx.Logger
	pacer *pacer
	slow  map[string]struct{}

	requests atomic.Uint64
	retries  atomic.Uint64
	failures atomic.Uint64
	lastReq  atomic.Int64
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	slow := make(map[string]struct{}, len(cfg.SlowMethods))
	for _, m := range cfg.SlowMethods {
		slow[strings.TrimSpace(m)] = struct{}{}
	}
	return &Client{
		cfg: cfg,
		// Per-attempt deadlines come from the request context.
		http:  &http.Client{},
		log:   log,
		pacer: newPacer(cfg.MinDelay),
		slow:  slow,
	}
}

// SetHTTPClient replaces the transport (tests, proxies).
func (c *Client) SetHTTPClient(h *http.Client) {
	if h != nil {
		c.http = h
	}
}

// Close stops the pacing worker. Pending and future calls fail with ErrClosed.
func (c *Client) Close() { c.pacer.Close() }

func (c *Client) Stats() Stats {
	st := Stats{
		Requests: c.requests.Load(),
		Retries:  c.retries.Load(),
		Failures: c.failures.Load(),
	}
	if ns := c.lastReq.Load(); ns != 0 {
		st.LastRequestAt = time.Unix(0, ns)
	}
	return st
}

func (c *Client) timeoutFor(method string) time.Duration {
	if _, ok := c.slow[method]; ok {
		return c.cfg.SlowTimeout
	}
	return c.cfg.Timeout
}

type envelope struct {
	Status  string          `json:"status"`
	Comment string          `json:"comment"`
	Result  json.RawMessage `json:"result"`
}

// Do calls method with params and decodes the "result" field into out (if non-nil).
// Failures are *Error values; a cancelled ctx is returned as is.
func (c *Client) Do(ctx context.Context, method string, params url.Values, out any) error {
	method = strings.TrimSpace(method)
	if method == "" {
		return errors.New("upstream: method required")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBase
	bo.MaxInterval = c.cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)

	var raw json.RawMessage
	attempt := 0
	op := func() error {
		attempt++
		var callErr error
		if err := c.pacer.Do(ctx, func() {
			raw, callErr = c.once(ctx, method, params)
		}); err != nil {
			return backoff.Permanent(err)
		}
		if callErr == nil {
			return nil
		}
		var ue *Error
		if errors.As(callErr, &ue) && ue.Retryable() {
			return callErr
		}
		return backoff.Permanent(callErr)
	}
	notify := func(err error, wait time.Duration) {
		c.retries.Add(1)
		c.log.Debug("upstream request retrying",
			logx.String("method", method),
			logx.Int("attempt", attempt),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		c.failures.Add(1)
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.failures.Add(1)
		return &Error{Kind: KindTransport, Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// once performs a single HTTP attempt with the method's timeout class.
func (c *Client) once(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	c.requests.Add(1)
	c.lastReq.Store(time.Now().UnixNano())

	actx, cancel := context.WithTimeout(ctx, c.timeoutFor(method))
	defer cancel()

	u := c.cfg.BaseURL + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(actx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Method: method, Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(ctx, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classify(ctx, method, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)
	if decodeErr == nil && strings.EqualFold(env.Status, "FAILED") {
		return nil, &Error{Kind: KindRejected, Method: method, Status: resp.StatusCode, Message: env.Comment}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &Error{Kind: KindHTTP, Method: method, Status: resp.StatusCode}
	}
	if decodeErr != nil {
		return nil, &Error{Kind: KindTransport, Method: method, Status: resp.StatusCode, Err: fmt.Errorf("decode envelope: %w", decodeErr)}
	}
	if !strings.EqualFold(env.Status, "OK") {
		return nil, &Error{Kind: KindRejected, Method: method, Status: resp.StatusCode, Message: "unexpected status " + env.Status}
	}
	return env.Result, nil
}

func (c *Client) classify(parent context.Context, method string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Method: method, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Method: method, Err: err}
	}
	return &Error{Kind: KindTransport, Method: method, Err: err}
}
