package history

import "gihan9a/mapsync/pkg/syncproto"

// StateSource exposes the session's current permission state.
type StateSource interface {
	State() syncproto.PermissionState
}

// RevertPolicy is the default Authorizer: owners may revert anything, editors
// may revert anything unless OwnChangesOnly restricts them to their own
// deltas, everyone else may revert nothing.
type RevertPolicy struct {
	UserID         string
	Permissions    StateSource
	OwnChangesOnly bool
}

func (p RevertPolicy) CanRevertChange(delta syncproto.Delta) bool {
	state := p.Permissions.State()
	switch {
	case state.Role == syncproto.RoleOwner:
		return true
	case !state.CanEdit:
		return false
	case p.OwnChangesOnly:
		return delta.ActorID == p.UserID
	}
	return true
}
