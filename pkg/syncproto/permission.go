package syncproto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is a user's role on a map. The empty role means no access was granted.
type Role string

const (
	RoleNone      Role = ""
	RoleOwner     Role = "owner"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
)

// ValidRole reports whether r is a known role (or none).
func ValidRole(r Role) bool {
	switch r {
	case RoleNone, RoleOwner, RoleEditor, RoleCommenter, RoleViewer:
		return true
	}
	return false
}

// PermissionState is the effective access a user has on a map.
type PermissionState struct {
	Role       Role      `json:"role"`
	CanView    bool      `json:"can_view"`
	CanComment bool      `json:"can_comment"`
	CanEdit    bool      `json:"can_edit"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StateForRole returns the flags implied by a role.
func StateForRole(r Role, updatedAt time.Time) PermissionState {
	s := PermissionState{Role: r, UpdatedAt: updatedAt}
	switch r {
	case RoleOwner, RoleEditor:
		s.CanView, s.CanComment, s.CanEdit = true, true, true
	case RoleCommenter:
		s.CanView, s.CanComment = true, true
	case RoleViewer:
		s.CanView = true
	}
	return s
}

// NewerThan reports whether s carries a strictly newer version than other.
func (s PermissionState) NewerThan(other PermissionState) bool {
	return s.UpdatedAt.After(other.UpdatedAt)
}

// Close code and reason a permission or sync socket is closed with when the
// user's access to the map was revoked.
const (
	CloseAccessRevoked       = 4001
	CloseReasonAccessRevoked = "access_revoked"
)

// PermissionEventType discriminates permission channel messages.
type PermissionEventType string

const (
	PermissionSnapshotType PermissionEventType = "snapshot"
	PermissionUpdateType   PermissionEventType = "update"
	PermissionRevokedType  PermissionEventType = "revoked"
)

// PermissionEvent is one of PermissionSnapshot, PermissionUpdate or
// PermissionRevoked.
type PermissionEvent interface {
	EventType() PermissionEventType
	Target() (mapID, userID string)
	isPermissionEvent()
}

// PermissionSnapshot is sent once when a subscription starts.
type PermissionSnapshot struct {
	MapID        string
	TargetUserID string
	State        PermissionState
}

// PermissionUpdate carries a changed role or flag set.
type PermissionUpdate struct {
	MapID        string
	TargetUserID string
	State        PermissionState
}

// PermissionRevoked removes all access.
type PermissionRevoked struct {
	MapID        string
	TargetUserID string
	Reason       string
	RevokedAt    time.Time
}

func (PermissionSnapshot) EventType() PermissionEventType { return PermissionSnapshotType }
func (PermissionUpdate) EventType() PermissionEventType   { return PermissionUpdateType }
func (PermissionRevoked) EventType() PermissionEventType  { return PermissionRevokedType }

func (e PermissionSnapshot) Target() (string, string) { return e.MapID, e.TargetUserID }
func (e PermissionUpdate) Target() (string, string)   { return e.MapID, e.TargetUserID }
func (e PermissionRevoked) Target() (string, string)  { return e.MapID, e.TargetUserID }

func (PermissionSnapshot) isPermissionEvent() {}
func (PermissionUpdate) isPermissionEvent()   {}
func (PermissionRevoked) isPermissionEvent()  {}

// PermissionMessage is the wire form of a PermissionEvent.
type PermissionMessage struct {
	Type         PermissionEventType `json:"type"`
	MapID        string              `json:"map_id"`
	TargetUserID string              `json:"target_user_id"`
	Role         Role                `json:"role,omitempty"`
	CanView      bool                `json:"can_view"`
	CanComment   bool                `json:"can_comment"`
	CanEdit      bool                `json:"can_edit"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Reason       string              `json:"reason,omitempty"`
}

// EncodePermissionEvent converts ev to its wire form.
func EncodePermissionEvent(ev PermissionEvent) PermissionMessage {
	switch e := ev.(type) {
	case PermissionSnapshot:
		return stateMessage(PermissionSnapshotType, e.MapID, e.TargetUserID, e.State)
	case PermissionUpdate:
		return stateMessage(PermissionUpdateType, e.MapID, e.TargetUserID, e.State)
	case PermissionRevoked:
		return PermissionMessage{
			Type:         PermissionRevokedType,
			MapID:        e.MapID,
			TargetUserID: e.TargetUserID,
			UpdatedAt:    e.RevokedAt,
			Reason:       e.Reason,
		}
	}
	panic(fmt.Sprintf("syncproto: unknown permission event %T", ev))
}

func stateMessage(t PermissionEventType, mapID, userID string, s PermissionState) PermissionMessage {
	return PermissionMessage{
		Type:         t,
		MapID:        mapID,
		TargetUserID: userID,
		Role:         s.Role,
		CanView:      s.CanView,
		CanComment:   s.CanComment,
		CanEdit:      s.CanEdit,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Decode converts a wire message back into a typed event.
func (m PermissionMessage) Decode() (PermissionEvent, error) {
	state := PermissionState{
		Role:       m.Role,
		CanView:    m.CanView,
		CanComment: m.CanComment,
		CanEdit:    m.CanEdit,
		UpdatedAt:  m.UpdatedAt,
	}
	switch m.Type {
	case PermissionSnapshotType:
		return PermissionSnapshot{MapID: m.MapID, TargetUserID: m.TargetUserID, State: state}, nil
	case PermissionUpdateType:
		return PermissionUpdate{MapID: m.MapID, TargetUserID: m.TargetUserID, State: state}, nil
	case PermissionRevokedType:
		return PermissionRevoked{MapID: m.MapID, TargetUserID: m.TargetUserID, Reason: m.Reason, RevokedAt: m.UpdatedAt}, nil
	}
	return nil, fmt.Errorf("unknown permission event type %q", m.Type)
}

// MarshalPermissionEvent encodes ev as JSON.
func MarshalPermissionEvent(ev PermissionEvent) ([]byte, error) {
	return json.Marshal(EncodePermissionEvent(ev))
}

// UnmarshalPermissionEvent decodes a JSON permission message.
func UnmarshalPermissionEvent(data []byte) (PermissionEvent, error) {
	var m PermissionMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error decoding permission message: %w", err)
	}
	return m.Decode()
}
