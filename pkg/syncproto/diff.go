package syncproto

// DiffEvents returns the entity events that turn prev into next. Nodes are
// created before the edges that reference them and deleted after the edges
// that touched them are gone.
func DiffEvents(prev, next Snapshot) []Event {
	prevNodes := make(map[string]Node, len(prev.Nodes))
	for _, n := range prev.Nodes {
		prevNodes[n.ID] = n
	}
	prevEdges := make(map[string]Edge, len(prev.Edges))
	for _, e := range prev.Edges {
		prevEdges[e.ID] = e
	}
	nextNodes := make(map[string]struct{}, len(next.Nodes))
	nextEdges := make(map[string]struct{}, len(next.Edges))

	var created, updated, edgeChanges, removedEdges, removedNodes []Event
	for _, n := range next.Nodes {
		nextNodes[n.ID] = struct{}{}
		old, ok := prevNodes[n.ID]
		switch {
		case !ok:
			created = append(created, NodeCreated{Node: n})
		case !NodesEqual(old, n):
			updated = append(updated, NodeUpdated{Node: n})
		}
	}
	for _, e := range next.Edges {
		nextEdges[e.ID] = struct{}{}
		old, ok := prevEdges[e.ID]
		switch {
		case !ok:
			edgeChanges = append(edgeChanges, EdgeCreated{Edge: e})
		case !EdgesEqual(old, e):
			edgeChanges = append(edgeChanges, EdgeUpdated{Edge: e})
		}
	}
	for _, e := range prev.Edges {
		if _, ok := nextEdges[e.ID]; !ok {
			removedEdges = append(removedEdges, EdgeDeleted{EdgeID: e.ID})
		}
	}
	for _, n := range prev.Nodes {
		if _, ok := nextNodes[n.ID]; !ok {
			removedNodes = append(removedNodes, NodeDeleted{NodeID: n.ID})
		}
	}

	out := make([]Event, 0, len(created)+len(updated)+len(removedEdges)+len(edgeChanges)+len(removedNodes))
	out = append(out, created...)
	out = append(out, updated...)
	out = append(out, removedEdges...)
	out = append(out, edgeChanges...)
	return append(out, removedNodes...)
}
