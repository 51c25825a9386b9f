// Package pipeline applies map mutations optimistically, broadcasts them to the
// other sessions of the map, persists them and rolls them back when the
// durable write is rejected.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"gihan9a/mapsync/internal/debounce"
	"gihan9a/mapsync/internal/echo"
	"gihan9a/mapsync/internal/entitystore"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/internal/utils"
	"gihan9a/mapsync/pkg/syncproto"
)

var (
	ErrReadOnly = errors.New("pipeline: session cannot edit this map")
	ErrNotFound = errors.New("pipeline: entity not found")
	ErrClosed   = errors.New("pipeline: session closed")
)

// Transport carries envelopes between the sessions of one map.
type Transport interface {
	Publish(ctx context.Context, env syncproto.Envelope) error
	Subscribe(ctx context.Context) (<-chan syncproto.Envelope, func(), error)
}

// Gate reports whether the session may currently mutate the map.
type Gate interface {
	CanEdit() bool
}

// DeltaRecorder receives the before and after graph of every action that
// changed persisted state. Record must not block.
type DeltaRecorder interface {
	Record(actionName string, before, after syncproto.Snapshot)
}

// Notice is a transient, dismissible failure report.
type Notice struct {
	Op       string
	EntityID string
	Err      error
}

// Options configures a Session.
type Options struct {
	MapID  string
	UserID string
	// Origin identifies this session on the transport. Generated when empty.
	Origin string

	Store     persist.MapStore
	Transport Transport
	// Gate is consulted before every mutation. A nil gate allows editing.
	Gate     Gate
	Recorder DeltaRecorder

	Debounce *debounce.Settings
	EchoTTL  time.Duration

	OnNotice func(Notice)
	// OnHistoryDelta receives deltas appended by other sessions.
	OnHistoryDelta func(syncproto.Delta)
	// OnRemoteRevert is told which delta another session reverted to.
	OnRemoteRevert func(deltaID string)
	// OnRemoteChange is called after a remote envelope was applied.
	OnRemoteChange func(syncproto.Envelope)
}

// Session is one user's view of one map.
type Session struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	store      *entitystore.Store
	markers    *echo.Suppressor
	nodeWrites *debounce.Persister[syncproto.Node]
	edgeWrites *debounce.Persister[syncproto.Edge]

	// serializes read-modify-write sequences on the store
	applyMu sync.Mutex
	// node state at the start of an in-progress drag or resize
	dragOrigin map[string]syncproto.Node

	subMu     sync.Mutex
	cancelSub func()
	subDone   chan struct{}
	closed    bool
}

// New creates a session. Load fills it from the durable store and Connect
// attaches it to the transport.
func New(opts Options) *Session {
	if opts.Origin == "" {
		opts.Origin = utils.NewSessionID()
	}
	if opts.OnNotice == nil {
		opts.OnNotice = func(n Notice) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		store:      entitystore.New(),
		markers:    echo.New(opts.EchoTTL),
		dragOrigin: make(map[string]syncproto.Node),
	}
	s.nodeWrites = debounce.New[syncproto.Node](ctx, opts.Debounce, s.writeNode, s.writeFailed("update_node"))
	s.edgeWrites = debounce.New[syncproto.Edge](ctx, opts.Debounce, s.writeEdge, s.writeFailed("update_edge"))
	return s
}

// MapID returns the map the session edits
func (s *Session) MapID() string {
	return s.opts.MapID
}

// Origin returns the id the session stamps on its envelopes
func (s *Session) Origin() string {
	return s.opts.Origin
}

// SetRecorder replaces the delta recorder
func (s *Session) SetRecorder(rec DeltaRecorder) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.opts.Recorder = rec
}

// SetGate replaces the edit gate
func (s *Session) SetGate(g Gate) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.opts.Gate = g
}

// Snapshot returns a copy of the current graph
func (s *Session) Snapshot() syncproto.Snapshot {
	return s.store.Snapshot()
}

// Node returns the current state of a node
func (s *Session) Node(id string) (syncproto.Node, bool) {
	return s.store.Node(id)
}

// Edge returns the current state of an edge
func (s *Session) Edge(id string) (syncproto.Edge, bool) {
	return s.store.Edge(id)
}

// HasEdgeBetween reports whether an edge source -> target exists. Callers use
// it to avoid creating duplicate parent edges.
func (s *Session) HasEdgeBetween(source, target string) bool {
	return s.store.HasEdgeBetween(source, target)
}

// PendingWrites returns the number of entities with a debounced write waiting
func (s *Session) PendingWrites() int {
	return s.nodeWrites.Len() + s.edgeWrites.Len()
}

// Load replaces the local graph with the durable one
func (s *Session) Load(ctx context.Context) error {
	snap, err := s.opts.Store.LoadMap(ctx, s.opts.MapID)
	if err != nil {
		return err
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.store.Replace(snap)
	s.dragOrigin = make(map[string]syncproto.Node)
	n, e := s.store.Len()
	glog.Infof("[pipeline]loaded map %s: %d nodes, %d edges", s.opts.MapID, n, e)
	return nil
}

// Connect flushes pending writes and subscribes to remote changes
func (s *Session) Connect(ctx context.Context) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cancelSub != nil || s.opts.Transport == nil {
		return nil
	}

	// remote updates must not race writes this session still owes the store
	if err := s.FlushAll(ctx); err != nil {
		glog.Warningf("[pipeline]flush before subscribe on %s: %s", s.opts.MapID, err)
	}
	if live := s.markers.Sweep(); live > 0 {
		glog.V(2).Infof("[pipeline]%d markers still waiting for their echo on %s", live, s.opts.MapID)
	}

	envs, cancel, err := s.opts.Transport.Subscribe(s.ctx)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	s.cancelSub = cancel
	s.subDone = done
	go func() {
		defer close(done)
		for env := range envs {
			if err := s.ApplyRemote(env); err != nil {
				glog.Warningf("[pipeline]remote %s %s: %s", env.Type, env.ID, err)
			}
		}
	}()
	glog.Infof("[pipeline]session %s connected to map %s", s.opts.Origin, s.opts.MapID)
	return nil
}

// Connected reports whether the session holds a transport subscription
func (s *Session) Connected() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.cancelSub != nil
}

// Disconnect drops the transport subscription
func (s *Session) Disconnect() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.disconnectLocked()
}

func (s *Session) disconnectLocked() {
	if s.cancelSub == nil {
		return
	}
	s.cancelSub()
	<-s.subDone
	s.cancelSub = nil
	s.subDone = nil
	glog.Infof("[pipeline]session %s disconnected from map %s", s.opts.Origin, s.opts.MapID)
}

// Reconnect tears the subscription down and sets it up again
func (s *Session) Reconnect(ctx context.Context) error {
	s.Disconnect()
	return s.Connect(ctx)
}

// FlushAll performs every pending debounced write now
func (s *Session) FlushAll(ctx context.Context) error {
	return errors.Join(s.nodeWrites.FlushAll(ctx), s.edgeWrites.FlushAll(ctx))
}

// Close disconnects, flushes pending writes and stops the session
func (s *Session) Close(ctx context.Context) error {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil
	}
	s.closed = true
	s.disconnectLocked()
	s.subMu.Unlock()

	err := errors.Join(s.nodeWrites.Close(ctx), s.edgeWrites.Close(ctx))
	s.markers.Close()
	s.cancel()
	return err
}

func (s *Session) canEdit() bool {
	return s.opts.Gate == nil || s.opts.Gate.CanEdit()
}

func (s *Session) notify(op, entityID string, err error) {
	s.opts.OnNotice(Notice{Op: op, EntityID: entityID, Err: err})
}

// publish marks the entity and broadcasts ev. Broadcast failures are logged;
// the durable write is still the source of truth.
func (s *Session) publish(ctx context.Context, ev syncproto.Event) {
	s.markers.Mark(ev.EntityID())
	s.send(ctx, ev)
}

// send broadcasts ev without marking, used for compensations
func (s *Session) send(ctx context.Context, ev syncproto.Event) {
	if s.opts.Transport == nil {
		return
	}
	env, err := syncproto.Wrap(ev, s.opts.UserID, s.opts.Origin, time.Now())
	if err != nil {
		glog.Errorf("[pipeline]%s", err)
		return
	}
	if err := s.opts.Transport.Publish(ctx, env); err != nil {
		glog.Warningf("[pipeline]broadcast %s %s failed = %s", env.Type, env.ID, err)
	}
}

// record hands a delta to the recorder when the graph changed
func (s *Session) record(actionName string, before, after syncproto.Snapshot) {
	if s.opts.Recorder == nil {
		return
	}
	s.opts.Recorder.Record(actionName, before, after)
}

func (s *Session) recording() bool {
	return s.opts.Recorder != nil
}

func (s *Session) writeNode(ctx context.Context, id string, n syncproto.Node) error {
	return s.opts.Store.UpsertNode(ctx, n)
}

func (s *Session) writeEdge(ctx context.Context, id string, e syncproto.Edge) error {
	return s.opts.Store.UpsertEdge(ctx, e)
}

func (s *Session) writeFailed(op string) debounce.ErrorFunc {
	return func(key string, err error) {
		glog.Warningf("[pipeline]debounced write of %s failed = %s", key, err)
		s.notify(op, key, err)
	}
}
