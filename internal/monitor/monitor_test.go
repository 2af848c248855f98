package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/coordinator/internal/eventbus"
	"github.com/roomsync/coordinator/internal/models"
	"github.com/roomsync/coordinator/internal/room"
	"github.com/roomsync/coordinator/internal/sessions"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) RetryJoin(_ context.Context, _ *models.Session, svc models.Microservice) {
	f.mu.Lock()
	f.calls = append(f.calls, svc.ID)
	f.mu.Unlock()
}

func (f *fakeNotifier) retried() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNotifier) retriedCount(id string) int {
	n := 0
	for _, c := range f.retried() {
		if c == id {
			n++
		}
	}
	return n
}

type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) follow(sub *eventbus.Subscription) {
	go func() {
		for {
			ev, err := sub.Next(context.Background())
			if err != nil {
				if _, lagged := err.(*eventbus.SlowSubscriberError); lagged {
					continue
				}
				return
			}
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
}

func (l *eventLog) ofType(t eventbus.Type) []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	sess     *models.Session
	store    *sessions.MemoryStore
	bus      *eventbus.Bus
	provider *room.Fake
	notifier *fakeNotifier
	log      *eventLog
	cancel   context.CancelFunc
	done     chan struct{}
}

func testConfig() Config {
	return Config{
		WorkerTimeout: 60 * time.Millisecond,
		ClientTimeout: 60 * time.Millisecond,
		RetryInterval: 15 * time.Millisecond,
	}
}

func startMonitor(t *testing.T, serviceIDs ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	sess := models.NewSession("s1", "room-s1", nil)
	for _, id := range serviceIDs {
		sess.AddService(models.NewMicroservice(id, "http://"+id+":9000", nil))
	}
	sess.SetStatus(models.SessionWaitingForServices)

	provider := room.NewFake()
	require.NoError(t, provider.CreateRoom(ctx, sess.RoomName, room.CreateRoomOptions{}))
	handle, events, err := provider.Join(ctx, sess.RoomName, "monitor-token")
	require.NoError(t, err)

	store := sessions.NewMemoryStore()
	require.NoError(t, store.Save(ctx, sess))

	bus := eventbus.New(nil)
	sub, err := bus.Subscribe(sess.ID)
	require.NoError(t, err)
	log := &eventLog{}
	log.follow(sub)

	notifier := &fakeNotifier{}
	m := New(sess, store, bus, notifier, handle, events, "coordinator-s1", testConfig(), nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
	})

	return &fixture{
		sess:     sess,
		store:    store,
		bus:      bus,
		provider: provider,
		notifier: notifier,
		log:      log,
		cancel:   cancel,
		done:     done,
	}
}

func (f *fixture) storedStatus(t *testing.T) models.SessionStatus {
	t.Helper()
	sess, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess.Status
}

func TestAllWorkersJoiningMakesSessionReady(t *testing.T) {
	f := startMonitor(t, "w1", "w2")

	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)
	f.provider.EmitJoin("room-s1", "w2", room.RoleWorker)

	require.Eventually(t, func() bool {
		return len(f.log.ofType(eventbus.TypeSessionReady)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, f.log.ofType(eventbus.TypeServiceJoined), 2)
	assert.Equal(t, models.SessionReady, f.storedStatus(t))

	sess, _ := f.store.Get(context.Background(), "s1")
	assert.Equal(t, []string{"w1", "w2"}, sess.ReadyServiceIDs())
	assert.Empty(t, sess.PendingServices())
}

func TestPartialJoinLeavesSessionWaiting(t *testing.T) {
	f := startMonitor(t, "w1", "w2")

	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)

	require.Eventually(t, func() bool {
		return len(f.log.ofType(eventbus.TypeServiceJoined)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, f.log.ofType(eventbus.TypeSessionReady))
	assert.Equal(t, models.SessionWaitingForServices, f.storedStatus(t))
}

func TestWorkerRejoinPublishesNoDuplicateEvents(t *testing.T) {
	f := startMonitor(t, "w1")

	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)
	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)

	require.Eventually(t, func() bool {
		return len(f.log.ofType(eventbus.TypeSessionReady)) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Len(t, f.log.ofType(eventbus.TypeServiceJoined), 1)
	assert.Len(t, f.log.ofType(eventbus.TypeSessionReady), 1)
}

func TestClientJoinActivatesReadySession(t *testing.T) {
	f := startMonitor(t, "w1")

	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)
	require.Eventually(t, func() bool {
		return f.storedStatus(t) == models.SessionReady
	}, time.Second, 5*time.Millisecond)

	f.provider.EmitJoin("room-s1", "alice", room.RoleClient)
	require.Eventually(t, func() bool {
		return len(f.log.ofType(eventbus.TypeClientJoined)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "alice", f.log.ofType(eventbus.TypeClientJoined)[0].UserIdentity)
	assert.Equal(t, models.SessionActive, f.storedStatus(t))
}

func TestCoordinatorIdentityIsIgnored(t *testing.T) {
	f := startMonitor(t, "w1")

	f.provider.EmitJoin("room-s1", "coordinator-s1", room.RoleCoordinator)
	time.Sleep(40 * time.Millisecond)

	assert.Empty(t, f.log.ofType(eventbus.TypeClientJoined))
	assert.Empty(t, f.log.ofType(eventbus.TypeServiceJoined))
}

func TestNeverJoinedWorkerIsRetried(t *testing.T) {
	f := startMonitor(t, "w1", "w2")

	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)

	// w2 never joins: each tick re-invites it, while w1 stays quiet only
	// within its timeout window.
	require.Eventually(t, func() bool {
		return f.notifier.retriedCount("w2") >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.SessionWaitingForServices, f.storedStatus(t))
}

func TestSilentWorkerIsRetriedAfterTimeout(t *testing.T) {
	f := startMonitor(t, "w1")

	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)
	require.Eventually(t, func() bool {
		return f.storedStatus(t) == models.SessionReady
	}, time.Second, 5*time.Millisecond)

	// No retry while the worker is within its timeout window.
	assert.Zero(t, f.notifier.retriedCount("w1"))

	// After sustained silence the worker is re-invited; readiness it already
	// earned is not revoked.
	require.Eventually(t, func() bool {
		return f.notifier.retriedCount("w1") >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.SessionReady, f.storedStatus(t))
}

func TestHeartbeatKeepsWorkerAlive(t *testing.T) {
	f := startMonitor(t, "w1")

	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)
	require.Eventually(t, func() bool {
		return f.storedStatus(t) == models.SessionReady
	}, time.Second, 5*time.Millisecond)

	// Keep emitting room activity for a few timeout windows.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		f.provider.EmitOther("room-s1")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Zero(t, f.notifier.retriedCount("w1"))
}

func TestClientInactivityTerminatesSession(t *testing.T) {
	f := startMonitor(t, "w1")

	f.provider.EmitJoin("room-s1", "w1", room.RoleWorker)
	f.provider.EmitJoin("room-s1", "alice", room.RoleClient)

	require.Eventually(t, func() bool {
		for _, ev := range f.log.ofType(eventbus.TypeStatusChanged) {
			if ev.Status == models.SessionTerminating {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after client timeout")
	}
	assert.Equal(t, models.SessionTerminated, f.storedStatus(t))
}

func TestStreamClosureTerminatesSession(t *testing.T) {
	f := startMonitor(t, "w1")

	f.provider.CloseStream("room-s1")

	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after stream closure")
	}
	assert.Equal(t, models.SessionTerminated, f.storedStatus(t))
	require.Eventually(t, func() bool {
		return len(f.log.ofType(eventbus.TypeError)) > 0
	}, time.Second, 5*time.Millisecond)
}
