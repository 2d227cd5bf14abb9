package upstream

import (
	"context"
	"sync"
	"time"
)

// pacer runs calls one at a time in arrival order and keeps at least delay
// between the end of one call and the start of the next.
type pacer struct {
	delay time.Duration

	queue chan *turn
	stop  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// owned by the worker goroutine
	lastEnd time.Time
}

type turn struct {
	ctx  context.Context
	fn   func()
	done chan error
}

func newPacer(delay time.Duration) *pacer {
	return &pacer{
		delay: delay,
		queue: make(chan *turn),
		stop:  make(chan struct{}),
	}
}

// Do blocks until fn has run (nil) or the turn was abandoned (ctx error / ErrClosed).
func (p *pacer) Do(ctx context.Context, fn func()) error {
	p.startOnce.Do(func() { go p.loop() })

	t := &turn{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrClosed
	}
	return <-t.done
}

func (p *pacer) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *pacer) loop() {
	for {
		select {
		case <-p.stop:
			return
		case t := <-p.queue:
			p.serve(t)
		}
	}
}

func (p *pacer) serve(t *turn) {
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}
	if !p.lastEnd.IsZero() {
		if wait := time.Until(p.lastEnd.Add(p.delay)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-t.ctx.Done():
				timer.Stop()
				t.done <- t.ctx.Err()
				return
			case <-p.stop:
				timer.Stop()
				t.done <- ErrClosed
				return
			}
		}
	}
	t.fn()
	p.lastEnd = time.Now()
	t.done <- nil
}
