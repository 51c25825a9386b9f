// Package debounce coalesces bursts of writes to the same key into a single
// durable write carrying the latest payload.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"gihan9a/mapsync/internal/metrics"
)

// DefaultInterval is the quiescence window used when none is configured.
const DefaultInterval = 500 * time.Millisecond

// WriteFunc performs the durable write for key.
type WriteFunc[T any] func(ctx context.Context, key string, payload T) error

// ErrorFunc receives failures of timer-driven writes. Writes are not retried;
// the next Schedule for the key carries the current state.
type ErrorFunc func(key string, err error)

// Settings configures a Persister.
type Settings struct {
	Interval     time.Duration
	WriteTimeout time.Duration
}

// DefaultSettings returns the settings used by sync sessions.
func DefaultSettings() *Settings {
	return &Settings{
		Interval:     DefaultInterval,
		WriteTimeout: 10 * time.Second,
	}
}

type pendingWrite[T any] struct {
	payload  T
	deadline time.Time
	timer    *time.Timer
}

// Persister owns one timer per key. A Schedule for a key that already has a
// pending write replaces the payload and pushes the deadline back; it never
// queues a second write.
type Persister[T any] struct {
	ctx      context.Context
	settings *Settings
	write    WriteFunc[T]
	onError  ErrorFunc

	mu      sync.Mutex
	pending map[string]*pendingWrite[T]
	closed  bool
}

// New creates a persister. Timer-driven writes run with a context derived
// from ctx.
func New[T any](ctx context.Context, settings *Settings, write WriteFunc[T], onError ErrorFunc) *Persister[T] {
	if settings == nil {
		settings = DefaultSettings()
	}
	if settings.Interval <= 0 {
		settings.Interval = DefaultInterval
	}
	if onError == nil {
		onError = func(key string, err error) {
			glog.Warningf("[debounce]write %s failed = %s", key, err)
		}
	}
	return &Persister[T]{
		ctx:      ctx,
		settings: settings,
		write:    write,
		onError:  onError,
		pending:  make(map[string]*pendingWrite[T]),
	}
}

// Schedule queues payload for key, replacing any payload already pending.
func (p *Persister[T]) Schedule(key string, payload T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	metrics.DebounceScheduled.Inc()

	deadline := time.Now().Add(p.settings.Interval)
	if w, ok := p.pending[key]; ok {
		w.payload = payload
		w.deadline = deadline
		w.timer.Reset(p.settings.Interval)
		metrics.DebounceCoalesced.Inc()
		if glog.V(2) {
			glog.Infof("[debounce]coalesced %s", key)
		}
		return
	}

	w := &pendingWrite[T]{payload: payload, deadline: deadline}
	w.timer = time.AfterFunc(p.settings.Interval, func() {
		p.fire(key, w)
	})
	p.pending[key] = w
}

func (p *Persister[T]) fire(key string, w *pendingWrite[T]) {
	p.mu.Lock()
	if p.pending[key] != w {
		p.mu.Unlock()
		return
	}
	if remaining := time.Until(w.deadline); 0 < remaining {
		// the timer was reset while this callback was waiting on the lock;
		// Reset rearmed it, so the later firing does the write
		p.mu.Unlock()
		return
	}
	delete(p.pending, key)
	payload := w.payload
	p.mu.Unlock()

	if err := p.doWrite(key, payload); err != nil {
		p.onError(key, err)
	}
}

func (p *Persister[T]) doWrite(key string, payload T) error {
	ctx := p.ctx
	if 0 < p.settings.WriteTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.settings.WriteTimeout)
		defer cancel()
	}
	if err := p.write(ctx, key, payload); err != nil {
		metrics.DebounceWrites.WithLabelValues("error").Inc()
		return err
	}
	metrics.DebounceWrites.WithLabelValues("ok").Inc()
	return nil
}

// Pending returns the payload waiting for key
func (p *Persister[T]) Pending(key string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.pending[key]
	if !ok {
		var zero T
		return zero, false
	}
	return w.payload, true
}

// Len returns the number of keys with a pending write
func (p *Persister[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Cancel drops the pending write for key without performing it
func (p *Persister[T]) Cancel(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.pending[key]
	if !ok {
		return false
	}
	w.timer.Stop()
	delete(p.pending, key)
	return true
}

// CancelAll drops every pending write
func (p *Persister[T]) CancelAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pending)
	for key, w := range p.pending {
		w.timer.Stop()
		delete(p.pending, key)
	}
	return n
}

// Flush performs the pending write for key now
func (p *Persister[T]) Flush(ctx context.Context, key string) error {
	p.mu.Lock()
	w, ok := p.pending[key]
	if ok {
		w.timer.Stop()
		delete(p.pending, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.doWrite(key, w.payload); err != nil {
		return fmt.Errorf("flush %s: %w", key, err)
	}
	return nil
}

// FlushAll performs every pending write now, in key order, and returns the
// joined errors of the writes that failed.
func (p *Persister[T]) FlushAll(ctx context.Context) error {
	p.mu.Lock()
	drained := make(map[string]T, len(p.pending))
	keys := make([]string, 0, len(p.pending))
	for key, w := range p.pending {
		w.timer.Stop()
		drained[key] = w.payload
		keys = append(keys, key)
		delete(p.pending, key)
	}
	p.mu.Unlock()

	sort.Strings(keys)
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.doWrite(key, drained[key]); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending writes and rejects further scheduling
func (p *Persister[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.FlushAll(ctx)
}
