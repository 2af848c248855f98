package eventbus

import (
	"time"

	"github.com/roomsync/coordinator/internal/models"
)

// Type tags a lifecycle event.
type Type string

const (
	TypeSessionCreated Type = "session_created"
	TypeServiceJoined  Type = "microservice_joined"
	TypeClientJoined   Type = "client_joined"
	TypeSessionReady   Type = "session_ready"
	TypeStatusChanged  Type = "status_changed"
	TypeError          Type = "error"
)

// Event is one immutable lifecycle event. Only the fields relevant to the
// Type are populated; everything else is omitted from the wire form.
type Event struct {
	Type      Type                 `json:"type"`
	SessionID string               `json:"session_id"`
	At        time.Time            `json:"at"`

	// session_created
	RoomName    string `json:"room_name,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	RoomAddress string `json:"room_address,omitempty"`

	// microservice_joined
	ServiceID string `json:"service_id,omitempty"`

	// client_joined
	UserIdentity string `json:"user_identity,omitempty"`

	// session_ready
	AllJoined bool `json:"all_participants_joined,omitempty"`

	// status_changed
	Status models.SessionStatus `json:"status,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// NewEvent stamps an event of the given type for a session.
func NewEvent(t Type, sessionID string) Event {
	return Event{Type: t, SessionID: sessionID, At: time.Now().UTC()}
}
