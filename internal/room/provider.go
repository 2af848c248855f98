// Package room abstracts the external real-time room provider: room
// management, credential minting, and the participant-event stream the
// lifecycle monitor consumes.
package room

import (
	"context"
	"time"
)

// Role is the explicit role claim carried inside a minted credential and
// echoed back on participant events. Classifying participants by role claim
// is preferred over pattern-matching identity strings.
type Role string

const (
	RoleClient      Role = "client"
	RoleWorker      Role = "worker"
	RoleCoordinator Role = "coordinator"
)

// GrantSpec describes the credential to mint for one identity in one room.
type GrantSpec struct {
	Identity       string
	Room           string
	Role           Role
	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
	// Hidden participants observe the room without appearing in it; used by
	// the coordinator's own monitor connection.
	Hidden    bool
	RoomAdmin bool
	// TTL of zero means the provider's default.
	TTL time.Duration
}

// EventKind classifies a room event.
type EventKind string

const (
	ParticipantJoined EventKind = "participant_joined"
	ParticipantLeft   EventKind = "participant_left"
	// OtherEvent covers everything else (data, track, quality, ...). The
	// monitor treats these as heartbeats.
	OtherEvent EventKind = "other"
)

// ParticipantEvent is one observation from a joined room. Role is the grant's
// role claim when the provider can echo it, empty otherwise.
type ParticipantEvent struct {
	Kind     EventKind
	Identity string
	Role     Role
}

// CreateRoomOptions bound room lifetime and size.
type CreateRoomOptions struct {
	// EmptyTimeout closes the room after this long with no participants.
	EmptyTimeout    time.Duration
	MaxParticipants int
}

// Handle is an open connection to a joined room.
type Handle interface {
	// PublishData sends an application payload into the room.
	PublishData(ctx context.Context, payload []byte) error
	// Close leaves the room and ends the event stream.
	Close() error
}

// Provider is the room provider capability set. All failures surface as
// apperr.KindRoomProvider. There is one production implementation (LiveKit)
// and one in-memory fake for tests; implementations are injected by
// construction.
type Provider interface {
	CreateRoom(ctx context.Context, name string, opts CreateRoomOptions) error
	DeleteRoom(ctx context.Context, name string) error
	// MintGrant returns a signed, time-limited credential for the spec.
	MintGrant(spec GrantSpec) (string, error)
	// Join enters a room and streams its participant events. The returned
	// channel closes when the provider ends the stream or Close is called.
	Join(ctx context.Context, roomName, credential string) (Handle, <-chan ParticipantEvent, error)
	// Address is the client-facing URL participants connect to.
	Address() string
}
