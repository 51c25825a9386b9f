package syncproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodesEqualIgnoresFloatJitter(t *testing.T) {
	a := Node{ID: "n1", MapID: "m1", Content: "root", Position: Position{X: 10.001, Y: 20.004}, Type: NodeTypeDefault}
	b := a
	b.Position = Position{X: 10.0049, Y: 19.9951}
	assert.True(t, NodesEqual(a, b))

	b.Position.X = 10.02
	assert.False(t, NodesEqual(a, b))
}

func TestNodesEqualSizeAndMetadata(t *testing.T) {
	a := Node{ID: "n1", Size: &Size{Width: 100, Height: 40}}
	b := Node{ID: "n1", Size: &Size{Width: 100.001, Height: 39.999}}
	assert.True(t, NodesEqual(a, b))

	b.Size = nil
	assert.False(t, NodesEqual(a, b))

	a = Node{ID: "n1", Metadata: map[string]any{}}
	b = Node{ID: "n1"}
	assert.True(t, NodesEqual(a, b))

	a.Metadata["color"] = "red"
	assert.False(t, NodesEqual(a, b))
}

func TestCloneIsDeep(t *testing.T) {
	n := Node{ID: "n1", Size: &Size{Width: 1, Height: 2}, Metadata: map[string]any{"k": "v"}}
	c := n.Clone()
	c.Size.Width = 9
	c.Metadata["k"] = "changed"
	assert.Equal(t, 1.0, n.Size.Width)
	assert.Equal(t, "v", n.Metadata["k"])
}

func TestEnvelopeDecode(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	node := Node{ID: "n1", MapID: "m1", Content: "hello", Type: NodeTypeText}

	env, err := Wrap(NodeUpdated{Node: node}, "u1", "origin-1", at)
	require.NoError(t, err)
	assert.Equal(t, NodeUpdate, env.Type)
	assert.Equal(t, "n1", env.ID)
	assert.Equal(t, at, env.Time())

	ev, err := env.Decode()
	require.NoError(t, err)
	updated, ok := ev.(NodeUpdated)
	require.True(t, ok)
	assert.Equal(t, "hello", updated.Node.Content)

	del, err := Wrap(EdgeDeleted{EdgeID: "e1"}, "u1", "", at)
	require.NoError(t, err)
	assert.Nil(t, del.Data)
	ev, err = del.Decode()
	require.NoError(t, err)
	assert.Equal(t, EdgeDeleted{EdgeID: "e1"}, ev)

	_, err = Envelope{Type: "BOGUS"}.Decode()
	assert.Error(t, err)
}

func TestPermissionMessageDecode(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := MarshalPermissionEvent(PermissionUpdate{
		MapID:        "m1",
		TargetUserID: "u1",
		State:        StateForRole(RoleCommenter, at),
	})
	require.NoError(t, err)

	ev, err := UnmarshalPermissionEvent(data)
	require.NoError(t, err)
	update, ok := ev.(PermissionUpdate)
	require.True(t, ok)
	assert.True(t, update.State.CanComment)
	assert.False(t, update.State.CanEdit)
	assert.True(t, update.State.UpdatedAt.Equal(at))

	_, err = UnmarshalPermissionEvent([]byte(`{"type":"granted"}`))
	assert.Error(t, err)
}

func TestDiffEvents(t *testing.T) {
	prev := Snapshot{
		Nodes: []Node{{ID: "a", Content: "a"}, {ID: "b", Content: "b"}, {ID: "gone", Content: "x"}},
		Edges: []Edge{{ID: "e-gone", Source: "a", Target: "gone"}, {ID: "e-ab", Source: "a", Target: "b"}},
	}
	next := Snapshot{
		Nodes: []Node{{ID: "a", Content: "a"}, {ID: "b", Content: "b2"}, {ID: "c", Content: "c"}},
		Edges: []Edge{{ID: "e-ab", Source: "a", Target: "b", Type: "dashed"}, {ID: "e-bc", Source: "b", Target: "c"}},
	}

	var types []EventType
	var ids []string
	for _, ev := range DiffEvents(prev, next) {
		types = append(types, ev.Type())
		ids = append(ids, ev.EntityID())
	}
	assert.Equal(t, []EventType{NodeCreate, NodeUpdate, EdgeDelete, EdgeUpdate, EdgeCreate, NodeDelete}, types)
	assert.Equal(t, []string{"c", "b", "e-gone", "e-ab", "e-bc", "gone"}, ids)

	assert.Empty(t, DiffEvents(next, next))
}
