package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/mapsync/internal/broadcast"
	"gihan9a/mapsync/internal/debounce"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/pkg/syncproto"
)

const mapID = "map-1"

type recorded struct {
	action        string
	before, after syncproto.Snapshot
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recorded
}

func (r *fakeRecorder) Record(action string, before, after syncproto.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recorded{action, before, after})
}

func (r *fakeRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.records {
		out = append(out, rec.action)
	}
	return out
}

type fixedGate bool

func (g fixedGate) CanEdit() bool { return bool(g) }

type harness struct {
	store    *persist.MemoryStore
	bus      *broadcast.MemoryBus
	recorder *fakeRecorder

	mu      sync.Mutex
	notices []Notice
}

func newHarness() *harness {
	return &harness{
		store:    persist.NewMemoryStore(),
		bus:      broadcast.NewMemoryBus(),
		recorder: &fakeRecorder{},
	}
}

func (h *harness) session(t *testing.T, userID string, connect bool) *Session {
	s := New(Options{
		MapID:     mapID,
		UserID:    userID,
		Store:     h.store,
		Transport: broadcast.NewMapTransport(h.bus, "test", mapID),
		Recorder:  h.recorder,
		Debounce:  &debounce.Settings{Interval: 20 * time.Millisecond, WriteTimeout: time.Second},
		OnNotice: func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() { s.Close(context.Background()) })
	require.NoError(t, s.Load(context.Background()))
	if connect {
		require.NoError(t, s.Connect(context.Background()))
	}
	return s
}

func (h *harness) noticeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices)
}

func seed(t *testing.T, h *harness, ids ...string) {
	for i, id := range ids {
		req := persist.CreateNodeRequest{Node: syncproto.Node{ID: id, MapID: mapID, CreatorID: "u1"}}
		if 0 < i {
			req.ParentID = ids[0]
			req.EdgeID = "e-" + id
		}
		_, err := h.store.CreateNode(context.Background(), req)
		require.NoError(t, err)
	}
}

func hasNode(s *Session, id string) func() bool {
	return func() bool {
		_, ok := s.Node(id)
		return ok
	}
}

func TestCreateNodeWithParent(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "root")
	alice := h.session(t, "alice", true)
	bob := h.session(t, "bob", true)

	n, err := alice.CreateNode(ctx, NodeDraft{ParentID: "root", Content: "idea", Position: syncproto.Position{X: 10.004, Y: 3}})
	require.NoError(t, err)
	assert.Equal(t, mapID, n.MapID)
	assert.Equal(t, "alice", n.CreatorID)
	assert.Equal(t, syncproto.Position{X: 10, Y: 3}, n.Position)
	assert.True(t, alice.HasEdgeBetween("root", n.ID))

	snap, err := h.store.LoadMap(ctx, mapID)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	assert.Len(t, snap.Edges, 1)

	assert.Eventually(t, hasNode(bob, n.ID), time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return bob.HasEdgeBetween("root", n.ID) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"create_node"}, h.recorder.actions())
}

func TestCreateNodeRollsBackWhenEdgeInsertFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "root")
	alice := h.session(t, "alice", true)
	bob := h.session(t, "bob", true)

	h.store.SetFault(persist.OpInsertEdge, errors.New("edge rejected"))
	_, err := alice.CreateNode(ctx, NodeDraft{ID: "child", ParentID: "root"})
	require.Error(t, err)

	_, ok := alice.Node("child")
	assert.False(t, ok)
	assert.False(t, alice.HasEdgeBetween("root", "child"))

	snap, err := h.store.LoadMap(ctx, mapID)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1, "no node row without its edge")
	assert.Empty(t, snap.Edges)

	// bob saw the optimistic create and then the compensation
	time.Sleep(100 * time.Millisecond)
	_, ok = bob.Node("child")
	assert.False(t, ok)
	assert.False(t, bob.HasEdgeBetween("root", "child"))
	assert.Equal(t, 1, h.noticeCount())
	assert.Empty(t, h.recorder.actions())
}

func TestCreateNodeUnknownParent(t *testing.T) {
	h := newHarness()
	s := h.session(t, "alice", false)
	_, err := s.CreateNode(context.Background(), NodeDraft{ParentID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateNodeCoalescesWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	alice := h.session(t, "alice", true)
	bob := h.session(t, "bob", true)

	for _, content := range []string{"a", "ab", "abc"} {
		c := content
		_, err := alice.UpdateNode(ctx, "n1", NodePatch{Content: &c})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, alice.PendingWrites())

	assert.Eventually(t, func() bool { return alice.PendingWrites() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.store.Calls(persist.OpUpsertNode))
	snap, err := h.store.LoadMap(ctx, mapID)
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Nodes[0].Content)

	assert.Eventually(t, func() bool {
		n, _ := bob.Node("n1")
		return n.Content == "abc"
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, h.recorder.actions(), 3)
}

func TestUpdateNodeWithoutChangeIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := h.session(t, "alice", false)

	jitter := syncproto.Position{X: 0.001, Y: -0.004}
	_, err := s.UpdateNode(ctx, "n1", NodePatch{Position: &jitter})
	require.NoError(t, err)
	assert.Equal(t, 0, s.PendingWrites())
	require.NoError(t, s.FlushAll(ctx))
	assert.Equal(t, 0, h.store.Calls(persist.OpUpsertNode))
	assert.Empty(t, h.recorder.actions())
}

func TestDragPersistsOnlyTheCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := h.session(t, "alice", false)

	for i := 1; i <= 3; i++ {
		p := syncproto.Position{X: float64(i * 10), Y: 0}
		committed, err := s.DetectChanges(ctx, []NodeChange{{ID: "n1", Position: &p, Active: true}})
		require.NoError(t, err)
		assert.Empty(t, committed)
	}
	n, _ := s.Node("n1")
	assert.Equal(t, 30.0, n.Position.X, "drag frames move the local node")
	assert.Equal(t, 0, s.PendingWrites())

	final := syncproto.Position{X: 42.123, Y: 7}
	committed, err := s.DetectChanges(ctx, []NodeChange{{ID: "n1", Position: &final}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, committed)
	require.NoError(t, s.FlushAll(ctx))
	assert.Equal(t, 1, h.store.Calls(persist.OpUpsertNode))

	snap, _ := h.store.LoadMap(ctx, mapID)
	assert.Equal(t, syncproto.Position{X: 42.12, Y: 7}, snap.Nodes[0].Position)

	before := h.recorder.records[0].before
	assert.Equal(t, syncproto.Position{}, before.Nodes[0].Position, "delta starts from the pre-drag position")
}

func TestDragBackToStartIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := h.session(t, "alice", false)

	away := syncproto.Position{X: 50, Y: 50}
	home := syncproto.Position{X: 0.002, Y: 0}
	_, err := s.DetectChanges(ctx, []NodeChange{{ID: "n1", Position: &away, Active: true}})
	require.NoError(t, err)
	committed, err := s.DetectChanges(ctx, []NodeChange{{ID: "n1", Position: &home}})
	require.NoError(t, err)
	assert.Empty(t, committed)
	assert.Equal(t, 0, s.PendingWrites())
	assert.Empty(t, h.recorder.actions())
}

func TestSystemUpdateMarkerIsOneShot(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := New(Options{MapID: mapID, UserID: "alice", Store: h.store, Debounce: &debounce.Settings{Interval: time.Hour}})
	defer s.Close(ctx)
	require.NoError(t, s.Load(ctx))

	s.markers.Mark("n1")

	first := syncproto.Position{X: 1, Y: 1}
	committed, err := s.DetectChanges(ctx, []NodeChange{{ID: "n1", Position: &first}})
	require.NoError(t, err)
	assert.Empty(t, committed, "first change is suppressed")
	assert.Zero(t, s.markers.Len(), "marker is consumed")

	second := syncproto.Position{X: 2, Y: 2}
	committed, err = s.DetectChanges(ctx, []NodeChange{{ID: "n1", Position: &second}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, committed, "second change is saved")
}

func TestConnectSweepsExpiredMarkers(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := New(Options{
		MapID:     mapID,
		UserID:    "alice",
		Store:     h.store,
		Transport: broadcast.NewMapTransport(h.bus, "test", mapID),
		EchoTTL:   20 * time.Millisecond,
		Debounce:  &debounce.Settings{Interval: time.Hour},
	})
	defer s.Close(ctx)
	require.NoError(t, s.Load(ctx))

	s.markers.Mark("n1")
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.Connect(ctx))
	assert.Zero(t, s.markers.Len())
}

func TestOwnEchoConsumesMarker(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := h.session(t, "alice", true)

	content := "echo"
	_, err := s.UpdateNode(ctx, "n1", NodePatch{Content: &content})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.markers.Len() == 0 }, time.Second, 10*time.Millisecond)

	// the echo changed nothing, and a later drag commit is saved normally
	n, _ := s.Node("n1")
	assert.Equal(t, "echo", n.Content)
	p := syncproto.Position{X: 5, Y: 5}
	committed, err := s.DetectChanges(ctx, []NodeChange{{ID: "n1", Position: &p}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, committed)
}

func TestDeleteNodeRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "root", "child")
	alice := h.session(t, "alice", true)
	bob := h.session(t, "bob", true)

	h.store.SetFault(persist.OpDeleteNode, errors.New("delete rejected"))
	require.Error(t, alice.DeleteNode(ctx, "root"))

	_, ok := alice.Node("root")
	assert.True(t, ok)
	assert.True(t, alice.HasEdgeBetween("root", "child"), "cascaded edge is restored")

	time.Sleep(100 * time.Millisecond)
	_, ok = bob.Node("root")
	assert.True(t, ok)
	assert.True(t, bob.HasEdgeBetween("root", "child"))
	assert.Equal(t, 1, h.noticeCount())
}

func TestDeleteNodeCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "root", "child")
	alice := h.session(t, "alice", true)
	bob := h.session(t, "bob", true)

	content := "pending"
	_, err := alice.UpdateNode(ctx, "child", NodePatch{Content: &content})
	require.NoError(t, err)
	require.NoError(t, alice.DeleteNode(ctx, "child"))
	assert.Equal(t, 0, alice.PendingWrites(), "delete cancels the pending write")
	assert.False(t, alice.HasEdgeBetween("root", "child"))

	assert.Eventually(t, func() bool { return !hasNode(bob, "child")() }, time.Second, 10*time.Millisecond)
	assert.False(t, bob.HasEdgeBetween("root", "child"))

	snap, _ := h.store.LoadMap(ctx, mapID)
	assert.Len(t, snap.Nodes, 1)
	assert.Empty(t, snap.Edges)
}

func TestEdgeLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "a")
	_, err := h.store.CreateNode(ctx, persist.CreateNodeRequest{Node: syncproto.Node{ID: "b", MapID: mapID}})
	require.NoError(t, err)
	s := h.session(t, "alice", false)

	_, err = s.CreateEdge(ctx, EdgeDraft{Source: "a", Target: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	e, err := s.CreateEdge(ctx, EdgeDraft{ID: "ab", Source: "a", Target: "b"})
	require.NoError(t, err)
	assert.Equal(t, syncproto.DefaultEdgeType, e.Type)

	dashed := "dashed"
	_, err = s.UpdateEdge(ctx, "ab", EdgePatch{Type: &dashed, Style: map[string]any{"stroke": "red"}})
	require.NoError(t, err)
	require.NoError(t, s.FlushAll(ctx))
	snap, _ := h.store.LoadMap(ctx, mapID)
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, "dashed", snap.Edges[0].Type)
	assert.Equal(t, "red", snap.Edges[0].Style["stroke"])

	h.store.SetFault(persist.OpDeleteEdge, errors.New("nope"))
	require.Error(t, s.DeleteEdge(ctx, "ab"))
	_, ok := s.Edge("ab")
	assert.True(t, ok)
	h.store.SetFault(persist.OpDeleteEdge, nil)
	require.NoError(t, s.DeleteEdge(ctx, "ab"))
	_, ok = s.Edge("ab")
	assert.False(t, ok)
}

func TestReadOnlyGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := h.session(t, "viewer", false)
	s.SetGate(fixedGate(false))

	content := "x"
	_, err := s.CreateNode(ctx, NodeDraft{})
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = s.UpdateNode(ctx, "n1", NodePatch{Content: &content})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, s.DeleteNode(ctx, "n1"), ErrReadOnly)
	_, err = s.CreateEdge(ctx, EdgeDraft{Source: "n1", Target: "n1"})
	assert.ErrorIs(t, err, ErrReadOnly)

	p := syncproto.Position{X: 9, Y: 9}
	_, err = s.DetectChanges(ctx, []NodeChange{{ID: "n1", Position: &p}})
	assert.ErrorIs(t, err, ErrReadOnly)
	n, _ := s.Node("n1")
	assert.Equal(t, syncproto.Position{}, n.Position, "rejected commit snaps back")
}

func TestRemoteUpdateSupersedesPendingWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := New(Options{MapID: mapID, UserID: "alice", Store: h.store, Debounce: &debounce.Settings{Interval: time.Hour}})
	defer s.Close(ctx)
	require.NoError(t, s.Load(ctx))

	local := "local"
	_, err := s.UpdateNode(ctx, "n1", NodePatch{Content: &local})
	require.NoError(t, err)
	require.Equal(t, 1, s.PendingWrites())

	env, err := syncproto.Wrap(syncproto.NodeUpdated{Node: syncproto.Node{ID: "n1", MapID: mapID, Content: "remote"}}, "bob", "other", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, s.ApplyRemote(env))

	assert.Equal(t, 0, s.PendingWrites())
	n, _ := s.Node("n1")
	assert.Equal(t, "remote", n.Content)
}

func TestOlderRemoteUpdateKeepsPendingWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1", "n2")
	s := New(Options{MapID: mapID, UserID: "alice", Store: h.store, Debounce: &debounce.Settings{Interval: time.Hour}})
	defer s.Close(ctx)
	require.NoError(t, s.Load(ctx))

	local := "local-newer"
	_, err := s.UpdateNode(ctx, "n1", NodePatch{Content: &local})
	require.NoError(t, err)
	edgeType := "dashed"
	_, err = s.UpdateEdge(ctx, "e-n2", EdgePatch{Type: &edgeType})
	require.NoError(t, err)
	require.Equal(t, 2, s.PendingWrites())

	past := time.Now().Add(-time.Second)
	env, err := syncproto.Wrap(syncproto.NodeUpdated{Node: syncproto.Node{ID: "n1", MapID: mapID, Content: "remote-older"}}, "bob", "other", past)
	require.NoError(t, err)
	require.NoError(t, s.ApplyRemote(env))
	env, err = syncproto.Wrap(syncproto.EdgeUpdated{Edge: syncproto.Edge{ID: "e-n2", MapID: mapID, Source: "n1", Target: "n2", Type: "remote-older"}}, "bob", "other", past)
	require.NoError(t, err)
	require.NoError(t, s.ApplyRemote(env))

	assert.Equal(t, 2, s.PendingWrites())
	require.NoError(t, s.FlushAll(ctx))

	snap, err := h.store.LoadMap(ctx, mapID)
	require.NoError(t, err)
	n, _ := s.Node("n1")
	e, _ := s.Edge("e-n2")
	assert.Equal(t, "local-newer", n.Content)
	assert.Equal(t, "dashed", e.Type)
	for _, durable := range snap.Nodes {
		if durable.ID == "n1" {
			assert.Equal(t, n.Content, durable.Content)
		}
	}
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, e.Type, snap.Edges[0].Type)
}

func TestConnectFlushesPendingWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "n1")
	s := New(Options{
		MapID:     mapID,
		UserID:    "alice",
		Store:     h.store,
		Transport: broadcast.NewMapTransport(h.bus, "test", mapID),
		Debounce:  &debounce.Settings{Interval: time.Hour},
	})
	defer s.Close(ctx)
	require.NoError(t, s.Load(ctx))

	content := "queued"
	_, err := s.UpdateNode(ctx, "n1", NodePatch{Content: &content})
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, 0, s.PendingWrites())
	assert.True(t, s.Connected())

	s.Disconnect()
	assert.False(t, s.Connected())
	require.NoError(t, s.Reconnect(ctx))
	assert.True(t, s.Connected())
}

func TestApplyRevert(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seed(t, h, "a", "b")
	alice := h.session(t, "alice", true)
	reverted := make(chan string, 1)
	bob := New(Options{
		MapID:          mapID,
		UserID:         "bob",
		Store:          h.store,
		Transport:      broadcast.NewMapTransport(h.bus, "test", mapID),
		OnRemoteRevert: func(deltaID string) { reverted <- deltaID },
	})
	defer bob.Close(ctx)
	require.NoError(t, bob.Load(ctx))
	require.NoError(t, bob.Connect(ctx))

	target := syncproto.Snapshot{Nodes: []syncproto.Node{{ID: "a", MapID: mapID}}, Edges: []syncproto.Edge{}}

	h.store.SetFault(persist.OpReplaceMap, errors.New("down"))
	require.Error(t, alice.ApplyRevert(ctx, "d1", target))
	assert.Len(t, alice.Snapshot().Nodes, 2, "failed revert leaves the graph alone")

	h.store.SetFault(persist.OpReplaceMap, nil)
	require.NoError(t, alice.ApplyRevert(ctx, "d1", target))
	assert.Len(t, alice.Snapshot().Nodes, 1)

	select {
	case id := <-reverted:
		assert.Equal(t, "d1", id)
	case <-time.After(time.Second):
		t.Fatal("bob never saw the revert")
	}
	assert.Len(t, bob.Snapshot().Nodes, 1)
}

func TestCloseRejectsConnect(t *testing.T) {
	h := newHarness()
	s := h.session(t, "alice", false)
	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}
