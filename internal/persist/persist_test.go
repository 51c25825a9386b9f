package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/mapsync/internal/config"
	"gihan9a/mapsync/pkg/syncproto"
)

func node(mapID, id string) syncproto.Node {
	return syncproto.Node{ID: id, MapID: mapID, Content: id, CreatorID: "u1", Position: syncproto.Position{X: 1.234, Y: 5.678}}
}

func delta(mapID, id string, at time.Time) syncproto.Delta {
	return syncproto.Delta{ID: id, MapID: mapID, ActionName: "update", ActorID: "u1", Timestamp: at}
}

// exerciseBackend runs the behaviour every backend shares
func exerciseBackend(t *testing.T, b Backend) {
	ctx := context.Background()
	mapID := fmt.Sprintf("map-%d", time.Now().UnixNano())

	res, err := b.CreateNode(ctx, CreateNodeRequest{Node: node(mapID, "root")})
	require.NoError(t, err)
	assert.Nil(t, res.Edge)
	assert.Equal(t, syncproto.NodeTypeDefault, res.Node.Type)
	assert.Equal(t, syncproto.Position{X: 1.23, Y: 5.68}, res.Node.Position)

	res, err = b.CreateNode(ctx, CreateNodeRequest{Node: node(mapID, "child"), ParentID: "root", EdgeID: "e1"})
	require.NoError(t, err)
	require.NotNil(t, res.Edge)
	assert.Equal(t, "root", res.Edge.Source)
	assert.Equal(t, "child", res.Edge.Target)

	snap, err := b.LoadMap(ctx, mapID)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	assert.Len(t, snap.Edges, 1)

	moved := node(mapID, "child")
	moved.Position = syncproto.Position{X: 10, Y: 20}
	require.NoError(t, b.UpsertNode(ctx, moved))

	// deleting the parent takes the edge with it
	require.NoError(t, b.DeleteNode(ctx, mapID, "root"))
	snap, err = b.LoadMap(ctx, mapID)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, syncproto.Position{X: 10, Y: 20}, snap.Nodes[0].Position)
	assert.Empty(t, snap.Edges)

	require.NoError(t, b.ReplaceMap(ctx, mapID, syncproto.Snapshot{Nodes: []syncproto.Node{node(mapID, "a"), node(mapID, "b")}}))
	snap, err = b.LoadMap(ctx, mapID)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	assert.Equal(t, "a", snap.Nodes[0].ID)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.AppendDelta(ctx, delta(mapID, fmt.Sprintf("d%d", i), base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, b.AppendDelta(ctx, delta(mapID, "d2", base)), "duplicate ids are ignored")
	page, total, err := b.ListDeltas(ctx, mapID, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "d3", page[0].ID)
	assert.Equal(t, "d4", page[1].ID)

	_, err = b.ReadPermission(ctx, mapID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
	count, err := b.CountPermissions(ctx, mapID)
	require.NoError(t, err)
	assert.Zero(t, count)
	state := syncproto.StateForRole(syncproto.RoleEditor, base)
	require.NoError(t, b.WritePermission(ctx, mapID, "u2", state))
	require.NoError(t, b.WritePermission(ctx, mapID+"-other", "u3", state))
	count, err = b.CountPermissions(ctx, mapID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	got, err := b.ReadPermission(ctx, mapID, "u2")
	require.NoError(t, err)
	assert.True(t, got.CanEdit)
	assert.True(t, got.UpdatedAt.Equal(base))
	require.NoError(t, b.DeletePermission(ctx, mapID, "u2"))
	_, err = b.ReadPermission(ctx, mapID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
	count, err = b.CountPermissions(ctx, mapID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStore(t *testing.T) {
	exerciseBackend(t, NewMemoryStore())
}

func TestMemoryCreateNodeIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.CreateNode(ctx, CreateNodeRequest{Node: node("m", "root")})
	require.NoError(t, err)

	s.SetFault(OpInsertEdge, errors.New("edge rejected"))
	_, err = s.CreateNode(ctx, CreateNodeRequest{Node: node("m", "child"), ParentID: "root", EdgeID: "e1"})
	require.Error(t, err)

	snap, err := s.LoadMap(ctx, "m")
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1, "node must not persist without its edge")
	assert.Empty(t, snap.Edges)

	s.SetFault(OpInsertEdge, nil)
	_, err = s.CreateNode(ctx, CreateNodeRequest{Node: node("m", "child"), ParentID: "missing", EdgeID: "e1"})
	assert.ErrorIs(t, err, ErrNotFound)
	snap, _ = s.LoadMap(ctx, "m")
	assert.Len(t, snap.Nodes, 1)
}

func TestMemoryEdgeNeedsEndpoints(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpsertEdge(context.Background(), syncproto.Edge{ID: "e", MapID: "m", Source: "a", Target: "b"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, ValidateNode(syncproto.Node{ID: "n"}), ErrInvalid)
	assert.ErrorIs(t, ValidateNode(syncproto.Node{ID: "n", MapID: "m", Type: "bogus"}), ErrInvalid)
	assert.NoError(t, ValidateNode(syncproto.Node{ID: "n", MapID: "m", Type: syncproto.NodeTypeTask}))
	assert.ErrorIs(t, ValidateEdge(syncproto.Edge{ID: "e", MapID: "m", Source: "a"}), ErrInvalid)
}

func TestClampWindow(t *testing.T) {
	for _, tc := range []struct {
		offset, limit, n int
		start, end       int
	}{
		{0, 10, 5, 0, 5},
		{3, 10, 5, 3, 5},
		{7, 10, 5, 5, 5},
		{-1, 2, 5, 0, 2},
		{1, 0, 5, 1, 5},
	} {
		start, end := clampWindow(tc.offset, tc.limit, tc.n)
		assert.Equal(t, tc.start, start, "%+v", tc)
		assert.Equal(t, tc.end, end, "%+v", tc)
	}
}

func TestOpen(t *testing.T) {
	b, err := Open(context.Background(), config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, b)

	_, err = Open(context.Background(), config.StorageConfig{Driver: "sqlite"})
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	exerciseBackend(t, s)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, CreateNodeRequest{Node: node("m1", "root")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	snap, err := reopened.LoadMap(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "root", snap.Nodes[0].ID)

	_, err = reopened.LoadMap(ctx, "../escape")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFileStoreWatchReportsExternalEdits(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateNode(ctx, CreateNodeRequest{Node: node("m1", "root")})
	require.NoError(t, err)
	changes, err := s.Watch()
	require.NoError(t, err)

	// another process rewrites the map with an extra node
	other, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = other.CreateNode(ctx, CreateNodeRequest{Node: node("m1", "added")})
	require.NoError(t, err)

	select {
	case change := <-changes:
		assert.Equal(t, "m1", change.MapID)
		assert.NotEmpty(t, change.Patch)
		assert.Len(t, change.Previous.Nodes, 1)
		assert.Len(t, change.Snapshot.Nodes, 2)
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}

	snap, err := s.LoadMap(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	_, err = os.Stat(filepath.Join(dir, "m1"+mapFileSuffix))
	assert.NoError(t, err)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("MAPSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MAPSYNC_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()
	exerciseBackend(t, s)
}
