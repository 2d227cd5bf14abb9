package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
)

func testConfig(base string) Config {
	return Config{
		BaseURL:       base,
		MinDelay:      0,
		Timeout:       time.Second,
		SlowTimeout:   2 * time.Second,
		MaxRetries:    3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := New(cfg, nopLogger())
	t.Cleanup(c.Close)
	return c
}

func TestDoDecodesResult(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user.info" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("handles"); got != "tourist" {
			t.Errorf("handles = %q", got)
		}
		fmt.Fprint(w, `{"status":"OK","result":[{"handle":"tourist"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	var out []struct {
		Handle string `json:"handle"`
	}
	params := map[string][]string{"handles": {"tourist"}}
	if err := c.Do(context.Background(), "user.info", params, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(out) != 1 || out[0].Handle != "tourist" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestFailureClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		handler  func(n int32, w http.ResponseWriter)
		wantErr  error
		wantKind Kind
		wantReqs int32
	}{
		{
			name: "rejected is final",
			handler: func(_ int32, w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"status":"FAILED","comment":"handles: User with handle nobody not found"}`)
			},
			wantErr: ErrRejected, wantKind: KindRejected, wantReqs: 1,
		},
		{
			name: "rejected with 200 is final",
			handler: func(_ int32, w http.ResponseWriter) {
				fmt.Fprint(w, `{"status":"FAILED","comment":"nope"}`)
			},
			wantErr: ErrRejected, wantKind: KindRejected, wantReqs: 1,
		},
		{
			name: "4xx is final",
			handler: func(_ int32, w http.ResponseWriter) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantErr: ErrHTTP, wantKind: KindHTTP, wantReqs: 1,
		},
		{
			name: "5xx retried up to the bound",
			handler: func(_ int32, w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr: ErrHTTP, wantKind: KindHTTP, wantReqs: 4,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var n atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.handler(n.Add(1), w)
			}))
			defer srv.Close()

			c := newTestClient(t, testConfig(srv.URL))
			err := c.Do(context.Background(), "contest.list", nil, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			var ue *Error
			if !errors.As(err, &ue) || ue.Kind != tt.wantKind {
				t.Fatalf("err = %#v, want kind %v", err, tt.wantKind)
			}
			if got := n.Load(); got != tt.wantReqs {
				t.Fatalf("requests = %d, want %d", got, tt.wantReqs)
			}
		})
	}
}

func TestTransientErrorRecovers(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"OK","result":42}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	var out int
	if err := c.Do(context.Background(), "contest.list", nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out != 42 {
		t.Fatalf("out = %d", out)
	}
	st := c.Stats()
	if st.Requests != 3 || st.Retries != 2 || st.Failures != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestTimeoutClassSelectedByMethod(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, `{"status":"OK","result":[]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.SlowTimeout = 2 * time.Second
	cfg.MaxRetries = 0
	c := newTestClient(t, cfg)

	err := c.Do(context.Background(), "contest.list", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("fast method err = %v, want timeout", err)
	}
	if err := c.Do(context.Background(), "contest.standings", nil, nil); err != nil {
		t.Fatalf("slow method err = %v", err)
	}
}

func TestPacingMeasuredFromRequestEnd(t *testing.T) {
	t.Parallel()
	const (
		delay   = 80 * time.Millisecond
		latency = 60 * time.Millisecond
		slack   = 10 * time.Millisecond
	)
	var (
		mu     sync.Mutex
		starts []time.Time
		ends   []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(latency)
		fmt.Fprint(w, `{"status":"OK","result":null}`)
		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MinDelay = delay
	c := newTestClient(t, cfg)

	for i := 0; i < 3; i++ {
		if err := c.Do(context.Background(), "contest.list", nil, nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Fatalf("requests = %d", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(ends[i-1])
		if gap < delay-slack {
			t.Fatalf("gap between end of call %d and start of call %d = %v, want >= %v", i-1, i, gap, delay)
		}
	}
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	t.Parallel()
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprint(w, `{"status":"OK","result":null}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Do(context.Background(), "contest.list", nil, nil); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent requests = %d, want 1", got)
	}
}

func TestCancelledContextIsNotRetried(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Do(ctx, "contest.list", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n.Load() != 0 {
		t.Fatalf("requests = %d, want 0", n.Load())
	}
}

func TestContestList(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("gym") != "true" {
			t.Errorf("gym param = %q", r.URL.Query().Get("gym"))
		}
		fmt.Fprint(w, strings.TrimSpace(`
{"status":"OK","result":[
 {"id":100001,"name":"Gym Round","type":"ICPC","phase":"FINISHED","durationSeconds":18000,"startTimeSeconds":1700000000},
 {"id":100002,"name":"Undated","type":"ICPC","phase":"BEFORE","durationSeconds":3600}
]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	list, err := c.ContestList(context.Background(), true)
	if err != nil {
		t.Fatalf("ContestList: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	first := list[0]
	if first.Scope != contests.ScopeGym || first.Phase != contests.PhaseFinished || first.Duration != 5*time.Hour {
		t.Fatalf("unexpected contest: %+v", first)
	}
	if !first.StartTime.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("start = %v", first.StartTime)
	}
	if !list[1].StartTime.IsZero() {
		t.Fatalf("expected zero start for undated contest, got %v", list[1].StartTime)
	}
}
