package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/pkg/syncproto"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied []string
	err     error
	block   chan struct{}
}

func (a *fakeApplier) ApplyRevert(ctx context.Context, deltaID string, snap syncproto.Snapshot) error {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.applied = append(a.applied, deltaID)
	return nil
}

func (a *fakeApplier) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

type fixedState syncproto.PermissionState

func (s fixedState) State() syncproto.PermissionState { return syncproto.PermissionState(s) }

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func snapWith(content string) syncproto.Snapshot {
	return syncproto.Snapshot{
		Nodes: []syncproto.Node{{ID: "n1", MapID: "m1", Type: syncproto.NodeTypeDefault, Content: content}},
		Edges: []syncproto.Edge{},
	}
}

func makeDelta(i int, actor string) syncproto.Delta {
	return syncproto.Delta{
		ID:         fmt.Sprintf("d%02d", i),
		MapID:      "m1",
		ActionName: "update_node",
		ActorID:    actor,
		Before:     snapWith(fmt.Sprintf("v%d", i)),
		After:      snapWith(fmt.Sprintf("v%d", i+1)),
		Timestamp:  base.Add(time.Duration(i) * time.Second),
	}
}

func seed(t *testing.T, store *persist.MemoryStore, n int, actor string) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.AppendDelta(context.Background(), makeDelta(i, actor)))
	}
}

func newEngine(store persist.HistoryStore, auth Authorizer, pageSize int) *Engine {
	return New(Options{MapID: "m1", ActorID: "alice", Store: store, Authorizer: auth, PageSize: pageSize})
}

func TestRecordPersistsAndAnnounces(t *testing.T) {
	store := persist.NewMemoryStore()
	e := newEngine(store, nil, 10)
	defer e.Close()

	var mu sync.Mutex
	var announced []string
	e.Bind(nil, func(ctx context.Context, d syncproto.Delta) error {
		mu.Lock()
		defer mu.Unlock()
		announced = append(announced, d.ID)
		return nil
	})

	e.Record("update_node", snapWith("a"), snapWith("b"))
	e.Wait()

	deltas := e.Deltas()
	require.Len(t, deltas, 1)
	assert.Equal(t, "update_node", deltas[0].ActionName)
	assert.Equal(t, "alice", deltas[0].ActorID)
	assert.NotEmpty(t, deltas[0].Patch)
	assert.Equal(t, 0, e.Current())

	stored, total, err := store.ListDeltas(context.Background(), "m1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, deltas[0].ID, stored[0].ID)

	mu.Lock()
	assert.Equal(t, []string{deltas[0].ID}, announced)
	mu.Unlock()
}

func TestRecordSkipsUnchangedGraph(t *testing.T) {
	store := persist.NewMemoryStore()
	e := newEngine(store, nil, 10)
	defer e.Close()

	e.Record("update_node", snapWith("same"), snapWith("same"))
	e.Wait()
	assert.Empty(t, e.Deltas())
	assert.Equal(t, 0, store.Calls(persist.OpAppendDelta))
}

func TestRecordPersistFailureKeepsDelta(t *testing.T) {
	store := persist.NewMemoryStore()
	store.SetFault(persist.OpAppendDelta, errors.New("disk full"))
	e := newEngine(store, nil, 10)
	defer e.Close()

	announced := false
	e.Bind(nil, func(ctx context.Context, d syncproto.Delta) error {
		announced = true
		return nil
	})
	e.Record("update_node", snapWith("a"), snapWith("b"))
	e.Wait()

	assert.Len(t, e.Deltas(), 1)
	assert.False(t, announced)
	_, total, err := store.ListDeltas(context.Background(), "m1", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestLoadAndLoadOlder(t *testing.T) {
	store := persist.NewMemoryStore()
	seed(t, store, 5, "alice")
	e := newEngine(store, nil, 2)
	defer e.Close()

	require.NoError(t, e.Load(context.Background()))
	assert.Equal(t, 5, e.Total())
	deltas := e.Deltas()
	require.Len(t, deltas, 2)
	assert.Equal(t, "d03", deltas[0].ID)
	assert.Equal(t, "d04", deltas[1].ID)
	assert.Equal(t, 1, e.Current())
	assert.True(t, e.HasOlder())

	n, err := e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, e.Current())
	assert.Equal(t, "d04", e.Deltas()[e.Current()].ID)

	n, err = e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, e.Current())
	assert.False(t, e.HasOlder())

	n, err = e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	ids := make([]string, 0, 5)
	for _, d := range e.Deltas() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"d00", "d01", "d02", "d03", "d04"}, ids)
}

func TestLoadEmptyLog(t *testing.T) {
	e := newEngine(persist.NewMemoryStore(), nil, 5)
	defer e.Close()
	require.NoError(t, e.Load(context.Background()))
	assert.Equal(t, -1, e.Current())
	assert.False(t, e.HasOlder())
}

func TestAppendLiveDedupes(t *testing.T) {
	e := newEngine(persist.NewMemoryStore(), nil, 5)
	defer e.Close()

	assert.True(t, e.AppendLive(makeDelta(0, "bob")))
	assert.True(t, e.AppendLive(makeDelta(1, "bob")))
	assert.False(t, e.AppendLive(makeDelta(1, "bob")))

	other := makeDelta(2, "bob")
	other.MapID = "m2"
	assert.False(t, e.AppendLive(other))

	assert.Len(t, e.Deltas(), 2)
	assert.Equal(t, 1, e.Current())
}

func TestRevertTo(t *testing.T) {
	store := persist.NewMemoryStore()
	seed(t, store, 3, "alice")
	e := newEngine(store, nil, 10)
	defer e.Close()
	applier := &fakeApplier{}
	e.Bind(applier, nil)
	require.NoError(t, e.Load(context.Background()))

	require.NoError(t, e.RevertTo(context.Background(), 0))
	assert.Equal(t, 0, e.Current())
	assert.Equal(t, Idle, e.State())

	// reverting to where we already are does nothing
	require.NoError(t, e.RevertTo(context.Background(), 0))
	assert.Equal(t, []string{"d00"}, applier.calls())

	// redo forward
	require.NoError(t, e.RevertTo(context.Background(), 2))
	assert.Equal(t, 2, e.Current())
	assert.Equal(t, []string{"d00", "d02"}, applier.calls())

	err := e.RevertTo(context.Background(), 3)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	err = e.RevertTo(context.Background(), -1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestRevertFailureKeepsPointer(t *testing.T) {
	store := persist.NewMemoryStore()
	seed(t, store, 3, "alice")
	e := newEngine(store, nil, 10)
	defer e.Close()
	applier := &fakeApplier{err: errors.New("write failed")}
	e.Bind(applier, nil)
	require.NoError(t, e.Load(context.Background()))

	err := e.RevertTo(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, 2, e.Current())
	assert.Equal(t, Idle, e.State())
}

func TestRevertInProgress(t *testing.T) {
	store := persist.NewMemoryStore()
	seed(t, store, 3, "alice")
	e := newEngine(store, nil, 10)
	defer e.Close()
	applier := &fakeApplier{block: make(chan struct{})}
	e.Bind(applier, nil)
	require.NoError(t, e.Load(context.Background()))

	done := make(chan error, 1)
	go func() { done <- e.RevertTo(context.Background(), 0) }()

	require.Eventually(t, func() bool { return e.State() == Reverting }, time.Second, time.Millisecond)
	assert.ErrorIs(t, e.RevertTo(context.Background(), 1), ErrRevertInProgress)
	assert.False(t, e.CanRevert(1))

	close(applier.block)
	require.NoError(t, <-done)
	assert.Equal(t, 0, e.Current())
	assert.Equal(t, Idle, e.State())
}

func TestRevertForbidden(t *testing.T) {
	store := persist.NewMemoryStore()
	require.NoError(t, store.AppendDelta(context.Background(), makeDelta(0, "alice")))
	require.NoError(t, store.AppendDelta(context.Background(), makeDelta(1, "bob")))
	require.NoError(t, store.AppendDelta(context.Background(), makeDelta(2, "alice")))

	editor := fixedState(syncproto.StateForRole(syncproto.RoleEditor, base))
	policy := RevertPolicy{UserID: "alice", Permissions: editor, OwnChangesOnly: true}
	e := newEngine(store, policy, 10)
	defer e.Close()
	applier := &fakeApplier{}
	e.Bind(applier, nil)
	require.NoError(t, e.Load(context.Background()))

	// undoing d02 is fine, undoing d01 is bob's
	assert.True(t, e.CanRevert(1))
	assert.False(t, e.CanRevert(0))
	assert.ErrorIs(t, e.RevertTo(context.Background(), 0), ErrRevertForbidden)
	assert.Empty(t, applier.calls())

	require.NoError(t, e.RevertTo(context.Background(), 1))
	assert.Equal(t, 1, e.Current())
}

func TestRevertPolicy(t *testing.T) {
	bobs := makeDelta(0, "bob")
	tests := []struct {
		name    string
		role    syncproto.Role
		ownOnly bool
		want    bool
	}{
		{"owner", syncproto.RoleOwner, true, true},
		{"editor", syncproto.RoleEditor, false, true},
		{"editor own changes only", syncproto.RoleEditor, true, false},
		{"commenter", syncproto.RoleCommenter, false, false},
		{"viewer", syncproto.RoleViewer, false, false},
		{"no access", syncproto.RoleNone, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RevertPolicy{
				UserID:         "alice",
				Permissions:    fixedState(syncproto.StateForRole(tt.role, base)),
				OwnChangesOnly: tt.ownOnly,
			}
			assert.Equal(t, tt.want, p.CanRevertChange(bobs))
		})
	}
}

func TestMoveTo(t *testing.T) {
	e := newEngine(persist.NewMemoryStore(), nil, 5)
	defer e.Close()
	e.AppendLive(makeDelta(0, "bob"))
	e.AppendLive(makeDelta(1, "bob"))

	assert.True(t, e.MoveTo("d00"))
	assert.Equal(t, 0, e.Current())
	assert.False(t, e.MoveTo("missing"))
	assert.Equal(t, 0, e.Current())
}
