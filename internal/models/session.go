package models

import (
	"sort"
	"time"
)

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	// SessionCreating: the room is being created.
	SessionCreating SessionStatus = "creating"
	// SessionWaitingForServices: waiting for required microservices to join the room.
	SessionWaitingForServices SessionStatus = "waiting_for_services"
	// SessionReady: every required microservice is present in the room.
	SessionReady SessionStatus = "ready"
	// SessionActive: the client has joined the room.
	SessionActive SessionStatus = "active"
	// SessionTerminating: shutdown in progress.
	SessionTerminating SessionStatus = "terminating"
	// SessionTerminated: absorbing final state.
	SessionTerminated SessionStatus = "terminated"
)

// Session is one group rendezvous bound to exactly one room.
//
// Ownership: the orchestrator populates the initial fields; after the
// lifecycle monitor is spawned, status and ready-service state are mutated
// only by that monitor's goroutine. Copies handed out by a Store are
// snapshots and may be momentarily stale.
type Session struct {
	ID               string            `json:"id"`
	RoomName         string            `json:"room_name"`
	Status           SessionStatus     `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	RequiredServices []Microservice    `json:"required_services"`
	ReadyServices    map[string]bool   `json:"ready_services"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewSession creates a session in the creating state with no services.
func NewSession(id, roomName string, metadata map[string]string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:            id,
		RoomName:      roomName,
		Status:        SessionCreating,
		CreatedAt:     now,
		UpdatedAt:     now,
		ReadyServices: make(map[string]bool),
		Metadata:      metadata,
	}
}

// SetStatus updates the status and refreshes UpdatedAt. Terminated is
// absorbing: once reached, no further transition is applied.
func (s *Session) SetStatus(status SessionStatus) {
	if s.Status == SessionTerminated {
		return
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
}

// AddService appends a microservice to the required set. Membership is fixed
// once the session leaves the orchestrator; callers pass descriptor copies,
// never registry references.
func (s *Session) AddService(svc Microservice) {
	s.RequiredServices = append(s.RequiredServices, svc)
	s.UpdatedAt = time.Now().UTC()
}

// MarkServiceReady records that a required service was observed in the room.
// Idempotent: re-marking an already-ready id is a no-op and reports false.
// When the last required service becomes ready the session transitions to
// ready.
func (s *Session) MarkServiceReady(serviceID string) bool {
	if !s.requires(serviceID) || s.ReadyServices[serviceID] {
		return false
	}
	s.ReadyServices[serviceID] = true
	s.UpdatedAt = time.Now().UTC()
	if len(s.ReadyServices) == len(s.RequiredServices) && !s.IsTerminal() {
		s.Status = SessionReady
	}
	return true
}

func (s *Session) requires(serviceID string) bool {
	for _, svc := range s.RequiredServices {
		if svc.ID == serviceID {
			return true
		}
	}
	return false
}

// IsReady reports whether all required services have joined.
func (s *Session) IsReady() bool {
	return s.Status == SessionReady
}

// IsTerminal reports whether the session is terminating or terminated.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionTerminating || s.Status == SessionTerminated
}

// PendingServices returns the ids of required services not yet observed in
// the room, in registration order.
func (s *Session) PendingServices() []string {
	var pending []string
	for _, svc := range s.RequiredServices {
		if !s.ReadyServices[svc.ID] {
			pending = append(pending, svc.ID)
		}
	}
	return pending
}

// ReadyServiceIDs returns the sorted ids of services observed in the room.
func (s *Session) ReadyServiceIDs() []string {
	ids := make([]string, 0, len(s.ReadyServices))
	for id := range s.ReadyServices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequiredServiceIDs returns the ids of the required services in order.
func (s *Session) RequiredServiceIDs() []string {
	ids := make([]string, 0, len(s.RequiredServices))
	for _, svc := range s.RequiredServices {
		ids = append(ids, svc.ID)
	}
	return ids
}

// Clone returns a deep copy suitable for handing outside the owning
// goroutine.
func (s *Session) Clone() *Session {
	cp := *s
	cp.RequiredServices = append([]Microservice(nil), s.RequiredServices...)
	cp.ReadyServices = make(map[string]bool, len(s.ReadyServices))
	for id, v := range s.ReadyServices {
		cp.ReadyServices[id] = v
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
