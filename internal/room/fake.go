package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/roomsync/coordinator/pkg/apperr"
)

// Fake is the in-memory Provider used by tests. Rooms are plain maps and
// participant events are scripted by the test through EmitJoin/EmitLeave/
// EmitOther.
type Fake struct {
	mu      sync.Mutex
	rooms   map[string]*fakeRoom
	minted  []GrantSpec
	deleted []string

	// Failure injection.
	CreateRoomErr error
	MintGrantErr  error
	JoinErr       error
}

type fakeRoom struct {
	events chan ParticipantEvent
	closed bool
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{rooms: make(map[string]*fakeRoom)}
}

func (f *Fake) Address() string { return "ws://rooms.fake" }

func (f *Fake) CreateRoom(_ context.Context, name string, _ CreateRoomOptions) error {
	if f.CreateRoomErr != nil {
		return f.CreateRoomErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[name]; !ok {
		f.rooms[name] = &fakeRoom{events: make(chan ParticipantEvent, 64)}
	}
	return nil
}

func (f *Fake) DeleteRoom(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	if r, ok := f.rooms[name]; ok && !r.closed {
		r.closed = true
		close(r.events)
	}
	delete(f.rooms, name)
	return nil
}

func (f *Fake) MintGrant(spec GrantSpec) (string, error) {
	if f.MintGrantErr != nil {
		return "", f.MintGrantErr
	}
	f.mu.Lock()
	f.minted = append(f.minted, spec)
	f.mu.Unlock()
	return fmt.Sprintf("fake-token-%s-%s", spec.Room, spec.Identity), nil
}

type fakeHandle struct {
	close func()
}

func (h *fakeHandle) PublishData(context.Context, []byte) error { return nil }
func (h *fakeHandle) Close() error {
	h.close()
	return nil
}

func (f *Fake) Join(_ context.Context, roomName, _ string) (Handle, <-chan ParticipantEvent, error) {
	if f.JoinErr != nil {
		return nil, nil, f.JoinErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[roomName]
	if !ok {
		return nil, nil, apperr.Newf(apperr.KindRoomProvider, "room %s does not exist", roomName)
	}
	handle := &fakeHandle{close: func() { f.CloseStream(roomName) }}
	return handle, r.events, nil
}

// EmitJoin scripts a participant joining the room.
func (f *Fake) EmitJoin(roomName, identity string, role Role) {
	f.emit(roomName, ParticipantEvent{Kind: ParticipantJoined, Identity: identity, Role: role})
}

// EmitLeave scripts a participant leaving the room.
func (f *Fake) EmitLeave(roomName, identity string, role Role) {
	f.emit(roomName, ParticipantEvent{Kind: ParticipantLeft, Identity: identity, Role: role})
}

// EmitOther scripts a non-membership room event (heartbeat for the monitor).
func (f *Fake) EmitOther(roomName string) {
	f.emit(roomName, ParticipantEvent{Kind: OtherEvent})
}

func (f *Fake) emit(roomName string, ev ParticipantEvent) {
	f.mu.Lock()
	r, ok := f.rooms[roomName]
	closed := ok && r.closed
	f.mu.Unlock()
	if !ok || closed {
		return
	}
	r.events <- ev
}

// CloseStream ends the room's event stream, as the provider does when the
// connection drops.
func (f *Fake) CloseStream(roomName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[roomName]; ok && !r.closed {
		r.closed = true
		close(r.events)
	}
}

// HasRoom reports whether the room currently exists.
func (f *Fake) HasRoom(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rooms[name]
	return ok
}

// MintedGrants returns every grant minted so far.
func (f *Fake) MintedGrants() []GrantSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]GrantSpec(nil), f.minted...)
}

// DeletedRooms returns the names passed to DeleteRoom, in order.
func (f *Fake) DeletedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
