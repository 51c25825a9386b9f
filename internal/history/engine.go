// Package history keeps the per-map delta log: it records actions, pages
// older deltas in, follows deltas appended by other sessions and reverts the
// map to the state after any delta.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/wI2L/jsondiff"

	"gihan9a/mapsync/internal/metrics"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/internal/utils"
	"gihan9a/mapsync/pkg/syncproto"
)

var (
	ErrRevertInProgress = errors.New("history: a revert is already running")
	ErrIndexOutOfRange  = errors.New("history: index out of range")
	ErrRevertForbidden  = errors.New("history: not allowed to revert these changes")
)

// DefaultPageSize is the number of deltas fetched per page.
const DefaultPageSize = 50

// State is the revert state machine.
type State int

const (
	Idle State = iota
	Reverting
)

func (s State) String() string {
	if s == Reverting {
		return "reverting"
	}
	return "idle"
}

// Applier makes a snapshot the current graph of the map.
type Applier interface {
	ApplyRevert(ctx context.Context, deltaID string, snap syncproto.Snapshot) error
}

// Authorizer decides whether the session may undo or redo a delta.
type Authorizer interface {
	CanRevertChange(delta syncproto.Delta) bool
}

// AnnounceFunc tells other sessions about a persisted delta.
type AnnounceFunc func(ctx context.Context, delta syncproto.Delta) error

// Options configures an Engine.
type Options struct {
	MapID      string
	ActorID    string
	Store      persist.HistoryStore
	Authorizer Authorizer
	PageSize   int
	// PersistTimeout bounds each background AppendDelta.
	PersistTimeout time.Duration
}

// Engine holds a window of the delta log, ascending by timestamp, and a
// pointer to the delta whose after-state the map currently shows.
type Engine struct {
	opts     Options
	ctx      context.Context
	cancel   context.CancelFunc
	persists sync.WaitGroup

	mu       sync.Mutex
	applier  Applier
	announce AnnounceFunc
	deltas   []syncproto.Delta
	ids      map[string]struct{}
	current  int
	// offset is the position of deltas[0] in the durable log
	offset     int
	total      int
	state      State
	generation int
}

// New creates an engine with an empty window
func New(opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		ids:     make(map[string]struct{}),
		current: -1,
	}
}

// Bind sets the collaborator that applies reverts and the function that
// announces new deltas. Either may be nil.
func (e *Engine) Bind(applier Applier, announce AnnounceFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applier = applier
	e.announce = announce
}

// Record builds a delta for an action and persists it in the background.
// Actions that leave the graph unchanged are not recorded. Persistence
// failures are logged, never returned.
func (e *Engine) Record(actionName string, before, after syncproto.Snapshot) {
	before, after = before.Clone(), after.Clone()
	before.Sort()
	after.Sort()
	patch, err := jsondiff.Compare(before, after)
	if err != nil {
		glog.Warningf("[history]diff for %s: %s", actionName, err)
		return
	}
	if len(patch) == 0 {
		return
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		glog.Warningf("[history]encode patch for %s: %s", actionName, err)
		return
	}
	delta := syncproto.Delta{
		ID:         utils.NewOrderedID(),
		MapID:      e.opts.MapID,
		ActionName: actionName,
		ActorID:    e.opts.ActorID,
		Before:     before,
		After:      after,
		Patch:      raw,
		Timestamp:  time.Now().UTC(),
	}
	if !e.AppendLive(delta) {
		return
	}
	metrics.HistoryDeltas.Inc()

	e.persists.Add(1)
	go func() {
		defer e.persists.Done()
		e.persist(delta)
	}()
}

func (e *Engine) persist(delta syncproto.Delta) {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.PersistTimeout)
	defer cancel()
	if err := e.opts.Store.AppendDelta(ctx, delta); err != nil {
		metrics.HistoryPersistFailures.Inc()
		glog.Warningf("[history]persist delta %s (%s) failed = %s", delta.ID, delta.ActionName, err)
		return
	}
	e.mu.Lock()
	announce := e.announce
	e.mu.Unlock()
	if announce == nil {
		return
	}
	if err := announce(ctx, delta); err != nil {
		glog.Warningf("[history]announce delta %s failed = %s", delta.ID, err)
	}
}

// Load replaces the window with the newest page of the log
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	_, total, err := e.opts.Store.ListDeltas(ctx, e.opts.MapID, 0, 1)
	if err != nil {
		return fmt.Errorf("count deltas: %w", err)
	}
	offset := total - e.opts.PageSize
	if offset < 0 {
		offset = 0
	}
	page, total, err := e.opts.Store.ListDeltas(ctx, e.opts.MapID, offset, e.opts.PageSize)
	if err != nil {
		return fmt.Errorf("list deltas: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return nil
	}
	e.deltas = make([]syncproto.Delta, 0, len(page))
	e.ids = make(map[string]struct{}, len(page))
	for _, d := range page {
		if _, dup := e.ids[d.ID]; dup {
			continue
		}
		e.ids[d.ID] = struct{}{}
		e.deltas = append(e.deltas, d)
	}
	e.offset = offset
	e.total = total
	e.current = len(e.deltas) - 1
	return nil
}

// LoadOlder prepends the page before the window. The current pointer keeps
// referencing the same delta. It returns the number of deltas added.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	e.mu.Lock()
	gen := e.generation
	end := e.offset
	e.mu.Unlock()
	if end == 0 {
		return 0, nil
	}
	start := end - e.opts.PageSize
	if start < 0 {
		start = 0
	}
	page, total, err := e.opts.Store.ListDeltas(ctx, e.opts.MapID, start, end-start)
	if err != nil {
		return 0, fmt.Errorf("list older deltas: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation || end != e.offset {
		// the window was reloaded or already extended meanwhile
		return 0, nil
	}
	older := make([]syncproto.Delta, 0, len(page))
	for _, d := range page {
		if _, dup := e.ids[d.ID]; dup {
			continue
		}
		e.ids[d.ID] = struct{}{}
		older = append(older, d)
	}
	e.deltas = append(older, e.deltas...)
	e.current += len(older)
	e.offset = start
	if e.total < total {
		e.total = total
	}
	return len(older), nil
}

// AppendLive adds a delta to the head of the window and moves the current
// pointer to it. Deltas already in the window are ignored.
func (e *Engine) AppendLive(delta syncproto.Delta) bool {
	if delta.MapID != "" && delta.MapID != e.opts.MapID {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.ids[delta.ID]; dup {
		return false
	}
	e.ids[delta.ID] = struct{}{}
	e.deltas = append(e.deltas, delta)
	if n := len(e.deltas); 1 < n && delta.Timestamp.Before(e.deltas[n-2].Timestamp) {
		sort.SliceStable(e.deltas, func(i, j int) bool {
			return e.deltas[i].Timestamp.Before(e.deltas[j].Timestamp)
		})
	}
	e.total++
	e.current = len(e.deltas) - 1
	return true
}

// MoveTo points the window at a delta another session reverted to
func (e *Engine) MoveTo(deltaID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(deltaID)
	if i == -1 {
		return false
	}
	e.current = i
	return true
}

// RevertTo makes the state after the delta at index the current graph.
// Reverting to the current index does nothing. Every delta between the
// current position and index must be revertable by this session. The current
// pointer only moves when the applier succeeds.
func (e *Engine) RevertTo(ctx context.Context, index int) error {
	e.mu.Lock()
	if e.state == Reverting {
		e.mu.Unlock()
		return ErrRevertInProgress
	}
	if index < 0 || len(e.deltas) <= index {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(e.deltas))
	}
	if index == e.current {
		e.mu.Unlock()
		return nil
	}
	if e.applier == nil {
		e.mu.Unlock()
		return errors.New("history: no applier bound")
	}
	lo, hi := index+1, e.current
	if e.current < index {
		lo, hi = e.current+1, index
	}
	for i := lo; i <= hi; i++ {
		if !e.canRevert(e.deltas[i]) {
			e.mu.Unlock()
			return fmt.Errorf("%w: delta %s by %s", ErrRevertForbidden, e.deltas[i].ID, e.deltas[i].ActorID)
		}
	}
	target := e.deltas[index]
	applier := e.applier
	e.state = Reverting
	e.mu.Unlock()

	err := applier.ApplyRevert(ctx, target.ID, target.After)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Idle
	if err != nil {
		glog.Warningf("[history]revert of %s to %s failed = %s", e.opts.MapID, target.ID, err)
		return fmt.Errorf("revert to %s: %w", target.ID, err)
	}
	// the window may have grown while the applier ran
	if i := e.indexOf(target.ID); i != -1 {
		e.current = i
	}
	return nil
}

// CanRevertChange reports whether the session may undo delta
func (e *Engine) CanRevertChange(delta syncproto.Delta) bool {
	return e.canRevert(delta)
}

// CanRevert reports whether RevertTo(index) would pass its guards
func (e *Engine) CanRevert(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Reverting || index < 0 || len(e.deltas) <= index || index == e.current {
		return false
	}
	lo, hi := index+1, e.current
	if e.current < index {
		lo, hi = e.current+1, index
	}
	for i := lo; i <= hi; i++ {
		if !e.canRevert(e.deltas[i]) {
			return false
		}
	}
	return true
}

func (e *Engine) canRevert(delta syncproto.Delta) bool {
	if e.opts.Authorizer == nil {
		return true
	}
	return e.opts.Authorizer.CanRevertChange(delta)
}

func (e *Engine) indexOf(id string) int {
	for i := range e.deltas {
		if e.deltas[i].ID == id {
			return i
		}
	}
	return -1
}

// State returns the revert state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the index of the current delta, -1 when the window is empty
func (e *Engine) Current() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Deltas returns a copy of the window
func (e *Engine) Deltas() []syncproto.Delta {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]syncproto.Delta(nil), e.deltas...)
}

// Total returns the size of the durable log as last seen
func (e *Engine) Total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// HasOlder reports whether LoadOlder would fetch anything
func (e *Engine) HasOlder() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return 0 < e.offset
}

// Wait blocks until background persistence has finished
func (e *Engine) Wait() {
	e.persists.Wait()
}

// Close waits for background persistence and stops the engine
func (e *Engine) Close() {
	e.persists.Wait()
	e.cancel()
}
