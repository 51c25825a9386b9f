package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"gihan9a/mapsync/pkg/syncproto"
)

// NodeChange is one geometry event from a drag or resize stream. Active is
// true while the motion is still in progress; the final event of the motion
// has Active false.
type NodeChange struct {
	ID       string
	Position *syncproto.Position
	Size     *syncproto.Size
	Active   bool
}

// DetectChanges applies a batch of geometry events. In-progress events only
// move the local node. A commit is persisted and broadcast when it differs
// from the state the motion started from, unless a system update marker for
// the node consumes it first. It returns the ids of the nodes written.
func (s *Session) DetectChanges(ctx context.Context, changes []NodeChange) ([]string, error) {
	var committed []string
	var errs []error
	for _, ch := range changes {
		ok, err := s.detect(ctx, ch)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			committed = append(committed, ch.ID)
		}
	}
	return committed, errors.Join(errs...)
}

func (s *Session) detect(ctx context.Context, ch NodeChange) (bool, error) {
	s.applyMu.Lock()
	current, ok := s.store.Node(ch.ID)
	if !ok {
		s.applyMu.Unlock()
		return false, nil
	}
	origin, dragging := s.dragOrigin[ch.ID]
	if !dragging {
		origin = current
	}
	moved := current.Clone()
	if ch.Position != nil {
		moved.Position = *ch.Position
	}
	if ch.Size != nil {
		size := *ch.Size
		moved.Size = &size
	}

	if ch.Active {
		if !dragging {
			s.dragOrigin[ch.ID] = current
		}
		s.store.PutNode(moved)
		s.applyMu.Unlock()
		return false, nil
	}
	delete(s.dragOrigin, ch.ID)

	// the change is our own system update coming back around
	if s.markers.Consume(ch.ID) {
		s.store.PutNode(moved)
		s.applyMu.Unlock()
		return false, nil
	}

	final := syncproto.NormalizeNode(moved)
	if syncproto.NodesEqual(origin, final) {
		s.store.PutNode(moved)
		s.applyMu.Unlock()
		if glog.V(2) {
			glog.Infof("[pipeline]commit of %s changes nothing", ch.ID)
		}
		return false, nil
	}
	if !s.canEdit() {
		s.store.PutNode(origin)
		s.applyMu.Unlock()
		return false, fmt.Errorf("commit %s: %w", ch.ID, ErrReadOnly)
	}

	var before syncproto.Snapshot
	if s.recording() {
		before = s.store.Snapshot()
		replaceNode(&before, origin)
	}
	final.UpdatedAt = time.Now()
	s.store.PutNode(final)
	var after syncproto.Snapshot
	if s.recording() {
		after = s.store.Snapshot()
	}
	s.applyMu.Unlock()

	s.publish(ctx, syncproto.NodeUpdated{Node: final})
	s.nodeWrites.Schedule(ch.ID, final)
	s.record("move_node", before, after)
	return true, nil
}

func replaceNode(snap *syncproto.Snapshot, n syncproto.Node) {
	for i := range snap.Nodes {
		if snap.Nodes[i].ID == n.ID {
			snap.Nodes[i] = n.Clone()
			return
		}
	}
}
