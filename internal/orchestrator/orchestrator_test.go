package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/coordinator/internal/eventbus"
	"github.com/roomsync/coordinator/internal/models"
	"github.com/roomsync/coordinator/internal/monitor"
	"github.com/roomsync/coordinator/internal/notify"
	"github.com/roomsync/coordinator/internal/registry"
	"github.com/roomsync/coordinator/internal/room"
	"github.com/roomsync/coordinator/internal/sessions"
	"github.com/roomsync/coordinator/pkg/apperr"
)

type harness struct {
	orch     *Orchestrator
	registry *registry.Registry
	store    *sessions.MemoryStore
	bus      *eventbus.Bus
	provider *room.Fake
	sup      *monitor.Supervisor

	mu            sync.Mutex
	notifications []notify.Instruction
	workerSrv     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: registry.New(nil),
		store:    sessions.NewMemoryStore(),
		bus:      eventbus.New(nil),
		provider: room.NewFake(),
		sup:      monitor.NewSupervisor(nil),
	}
	h.workerSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var inst notify.Instruction
		if err := readJSON(r, &inst); err == nil {
			h.mu.Lock()
			h.notifications = append(h.notifications, inst)
			h.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))

	dispatcher := notify.NewDispatcher(
		notify.NewClient(time.Second, nil), h.provider, nil, time.Hour, nil)
	h.orch = New(h.registry, h.store, h.bus, h.provider, h.sup, dispatcher, Config{
		Monitor: monitor.Config{
			WorkerTimeout: 60 * time.Millisecond,
			ClientTimeout: 60 * time.Millisecond,
			RetryInterval: 15 * time.Millisecond,
		},
		ClientGrantTTL: time.Hour,
		PollInterval:   10 * time.Millisecond,
	}, nil)

	t.Cleanup(func() {
		h.sup.StopAll()
		dispatcher.Wait()
		h.bus.Close()
		h.workerSrv.Close()
	})
	return h
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *harness) register(ids ...string) {
	for _, id := range ids {
		h.registry.Register(models.NewMicroservice(id, h.workerSrv.URL, nil))
	}
}

func (h *harness) received() []notify.Instruction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]notify.Instruction(nil), h.notifications...)
}

func TestCreateSessionWithNoWorkersIsImmediatelyReady(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.NoError(t, err)

	assert.Equal(t, models.SessionReady, res.Session.Status)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, h.provider.Address(), res.RoomAddress)
	assert.Equal(t, 0, h.sup.Count())
	assert.True(t, h.provider.HasRoom(res.Session.RoomName))
}

func TestCreateSessionWaitsForRegisteredWorkers(t *testing.T) {
	h := newHarness(t)
	h.register("w1", "w2")

	res, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.NoError(t, err)

	assert.Equal(t, models.SessionWaitingForServices, res.Session.Status)
	assert.ElementsMatch(t, []string{"w1", "w2"}, res.Session.RequiredServiceIDs())
	assert.Equal(t, 1, h.sup.Count())

	// Each worker got a join instruction with its own credential.
	require.Eventually(t, func() bool {
		return len(h.received()) == 2
	}, time.Second, 5*time.Millisecond)
	for _, inst := range h.received() {
		assert.Equal(t, res.Session.ID, inst.SessionID)
		assert.Equal(t, res.Session.RoomName, inst.RoomName)
		assert.NotEmpty(t, inst.Credential)
		assert.Equal(t, h.provider.Address(), inst.RoomAddress)
	}

	// Both workers show up in the room: the monitor drives the session to
	// Ready.
	h.provider.EmitJoin(res.Session.RoomName, "w1", room.RoleWorker)
	h.provider.EmitJoin(res.Session.RoomName, "w2", room.RoleWorker)
	require.Eventually(t, func() bool {
		sess, _ := h.store.Get(context.Background(), res.Session.ID)
		return sess != nil && sess.Status == models.SessionReady
	}, time.Second, 5*time.Millisecond)
}

func TestCreateSessionDropsUnknownExplicitIDs(t *testing.T) {
	h := newHarness(t)
	h.register("w1")

	res, err := h.orch.CreateSession(context.Background(), CreateRequest{
		RequiredServices: []string{"w1", "ghost"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, res.Session.RequiredServiceIDs())
}

func TestCreateSessionUsesSuppliedRoomNameAndIdentity(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.CreateSession(context.Background(), CreateRequest{
		RoomName:       "standup",
		ClientIdentity: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "standup", res.Session.RoomName)

	var clientGrant *room.GrantSpec
	for _, g := range h.provider.MintedGrants() {
		if g.Role == room.RoleClient {
			g := g
			clientGrant = &g
		}
	}
	require.NotNil(t, clientGrant)
	assert.Equal(t, "alice", clientGrant.Identity)
	assert.True(t, clientGrant.CanPublish)
	assert.True(t, clientGrant.CanSubscribe)
	assert.False(t, clientGrant.RoomAdmin)
}

func TestCreateSessionRoomFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.provider.CreateRoomErr = errors.New("room server down")

	_, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindRoomProvider, apperr.KindOf(err))

	list, _ := h.store.List(context.Background())
	assert.Empty(t, list)
}

func TestCreateSessionMintFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	h.provider.MintGrantErr = errors.New("bad signing key")

	_, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindRoomProvider, apperr.KindOf(err))

	list, _ := h.store.List(context.Background())
	assert.Empty(t, list)
	assert.NotEmpty(t, h.provider.DeletedRooms())
}

func TestCreateSessionPublishesCreatedEvent(t *testing.T) {
	h := newHarness(t)
	sub, err := h.bus.SubscribeGlobal()
	require.NoError(t, err)

	res, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, eventbus.TypeSessionCreated, ev.Type)
	assert.Equal(t, res.Session.ID, ev.SessionID)
	assert.Equal(t, res.AccessToken, ev.AccessToken)
	assert.Equal(t, res.Session.RoomName, ev.RoomName)
}

func TestGetSessionUnknownID(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.GetSession(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))
}

func TestTerminateSessionStopsMonitorAndDeletesRoom(t *testing.T) {
	h := newHarness(t)
	h.register("w1")

	res, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, h.sup.Count())

	require.NoError(t, h.orch.TerminateSession(context.Background(), res.Session.ID))

	assert.Equal(t, 0, h.sup.Count())
	assert.Contains(t, h.provider.DeletedRooms(), res.Session.RoomName)
	sess, err := h.orch.GetSession(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, sess.Status)

	// Terminating again is a no-op success.
	require.NoError(t, h.orch.TerminateSession(context.Background(), res.Session.ID))
}

func TestTerminateUnknownSession(t *testing.T) {
	h := newHarness(t)

	err := h.orch.TerminateSession(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))
}

func TestWaitForReadyReturnsReadySession(t *testing.T) {
	h := newHarness(t)
	h.register("w1")

	res, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.provider.EmitJoin(res.Session.RoomName, "w1", room.RoleWorker)
	}()

	sess, err := h.orch.WaitForReady(context.Background(), res.Session.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.SessionReady, sess.Status)
}

func TestWaitForReadyTimesOut(t *testing.T) {
	h := newHarness(t)
	h.register("w1")

	res, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.NoError(t, err)

	_, err = h.orch.WaitForReady(context.Background(), res.Session.ID, 40*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, apperr.KindJoinTimeout, apperr.KindOf(err))
}
