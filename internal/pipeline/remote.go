package pipeline

import (
	"context"

	"github.com/golang/glog"

	"gihan9a/mapsync/pkg/syncproto"
)

// ApplyRemote applies an envelope received from the transport. The echo of
// this session's own broadcast consumes the entity's marker and changes
// nothing. Changes from other sessions go straight into the store without
// being saved or broadcast again, and supersede any older local write still
// pending for the entity.
func (s *Session) ApplyRemote(env syncproto.Envelope) error {
	if env.Origin == s.opts.Origin {
		s.markers.Consume(env.ID)
		return nil
	}
	ev, err := env.Decode()
	if err != nil {
		return err
	}

	s.applyMu.Lock()
	switch e := ev.(type) {
	case syncproto.NodeCreated:
		s.putRemoteNode(e.Node, env)
	case syncproto.NodeUpdated:
		s.putRemoteNode(e.Node, env)
	case syncproto.NodeDeleted:
		_, edges, _ := s.store.RemoveNode(e.NodeID)
		delete(s.dragOrigin, e.NodeID)
		s.nodeWrites.Cancel(e.NodeID)
		for _, edge := range edges {
			s.edgeWrites.Cancel(edge.ID)
		}
	case syncproto.EdgeCreated:
		s.putRemoteEdge(e.Edge, env)
	case syncproto.EdgeUpdated:
		s.putRemoteEdge(e.Edge, env)
	case syncproto.EdgeDeleted:
		s.store.RemoveEdge(e.EdgeID)
		s.edgeWrites.Cancel(e.EdgeID)
	case syncproto.HistoryReverted:
		s.replaceLocked(e.Snapshot)
	case syncproto.HistoryAppended:
	}
	s.applyMu.Unlock()

	switch e := ev.(type) {
	case syncproto.HistoryReverted:
		if s.opts.OnRemoteRevert != nil {
			s.opts.OnRemoteRevert(e.DeltaID)
		}
	case syncproto.HistoryAppended:
		if s.opts.OnHistoryDelta != nil {
			s.opts.OnHistoryDelta(e.Delta)
		}
	}
	if s.opts.OnRemoteChange != nil {
		s.opts.OnRemoteChange(env)
	}
	if glog.V(2) {
		glog.Infof("[pipeline]applied remote %s %s from %s", env.Type, env.ID, env.UserID)
	}
	return nil
}

// putRemoteNode stores a node received from another session. A local write
// still pending for the node wins over an older remote one, so the store keeps
// showing what will be persisted. Callers hold s.applyMu.
func (s *Session) putRemoteNode(n syncproto.Node, env syncproto.Envelope) {
	if n.MapID == "" {
		n.MapID = s.opts.MapID
	}
	if pending, ok := s.nodeWrites.Pending(n.ID); ok {
		if env.Time().Before(pending.UpdatedAt) {
			return
		}
		s.nodeWrites.Cancel(n.ID)
	}
	if _, dragging := s.dragOrigin[n.ID]; dragging {
		s.dragOrigin[n.ID] = n
	}
	s.store.PutNode(n)
}

func (s *Session) putRemoteEdge(e syncproto.Edge, env syncproto.Envelope) {
	if e.MapID == "" {
		e.MapID = s.opts.MapID
	}
	if pending, ok := s.edgeWrites.Pending(e.ID); ok {
		if env.Time().Before(pending.UpdatedAt) {
			return
		}
		s.edgeWrites.Cancel(e.ID)
	}
	s.store.PutEdge(e)
}

func (s *Session) replaceLocked(snap syncproto.Snapshot) {
	s.nodeWrites.CancelAll()
	s.edgeWrites.CancelAll()
	s.dragOrigin = make(map[string]syncproto.Node)
	s.store.Replace(snap)
}

// ApplyRevert persists snap as the whole graph, then replaces the local graph
// and broadcasts the revert. Nothing local changes when the write fails.
func (s *Session) ApplyRevert(ctx context.Context, deltaID string, snap syncproto.Snapshot) error {
	if !s.canEdit() {
		return ErrReadOnly
	}
	if err := s.opts.Store.ReplaceMap(ctx, s.opts.MapID, snap); err != nil {
		s.notify("revert", deltaID, err)
		return err
	}
	s.applyMu.Lock()
	s.replaceLocked(snap)
	s.applyMu.Unlock()

	s.send(ctx, syncproto.HistoryReverted{DeltaID: deltaID, Snapshot: snap})
	glog.Infof("[pipeline]map %s reverted to %s", s.opts.MapID, deltaID)
	return nil
}

// PublishDelta announces a persisted delta to the other sessions
func (s *Session) PublishDelta(ctx context.Context, delta syncproto.Delta) error {
	if s.opts.Transport == nil {
		return nil
	}
	env, err := syncproto.Wrap(syncproto.HistoryAppended{Delta: delta}, s.opts.UserID, s.opts.Origin, delta.Timestamp)
	if err != nil {
		return err
	}
	return s.opts.Transport.Publish(ctx, env)
}
