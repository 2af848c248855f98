// Package monitor drives session state from room observations. One monitor
// goroutine runs per active session, consuming the room's participant-event
// stream and a periodic timer, and is the sole owner of that session's
// mutable state once spawned.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/coordinator/internal/eventbus"
	"github.com/roomsync/coordinator/internal/models"
	"github.com/roomsync/coordinator/internal/room"
	"github.com/roomsync/coordinator/internal/sessions"
)

// Notifier re-invites a worker that timed out or never joined. Failures are
// handled inside the notifier; the monitor never blocks on delivery.
type Notifier interface {
	RetryJoin(ctx context.Context, sess *models.Session, svc models.Microservice)
}

// Config holds the monitor's local-clock timeout policy, evaluated once per
// tick.
type Config struct {
	// WorkerTimeout is the silence threshold after which a worker is
	// considered gone and re-invited.
	WorkerTimeout time.Duration
	// ClientTimeout is the client-inactivity threshold that terminates the
	// session.
	ClientTimeout time.Duration
	// RetryInterval is the timer tick driving timeout checks and retries.
	RetryInterval time.Duration
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		WorkerTimeout: 60 * time.Second,
		ClientTimeout: 300 * time.Second,
		RetryInterval: 30 * time.Second,
	}
}

// Monitor watches one session's room.
type Monitor struct {
	sess     *models.Session
	store    sessions.Store
	bus      *eventbus.Bus
	notifier Notifier
	handle   room.Handle
	events   <-chan room.ParticipantEvent
	// hiddenIdentity is the coordinator's own participant identity, ignored
	// when classifying arrivals.
	hiddenIdentity string
	expected       map[string]models.Microservice
	cfg            Config
	logger         *zap.Logger

	// joined tracks workers currently believed present. Distinct from the
	// session's ready set, which grows monotonically: a timed-out worker
	// leaves joined (and is re-invited) but stays ready.
	joined          map[string]bool
	lastSeen        map[string]time.Time
	clientConnected bool
	clientLastSeen  time.Time
}

// New creates a monitor for sess. The expected worker set is fixed at spawn
// from the session's required services.
func New(
	sess *models.Session,
	store sessions.Store,
	bus *eventbus.Bus,
	notifier Notifier,
	handle room.Handle,
	events <-chan room.ParticipantEvent,
	hiddenIdentity string,
	cfg Config,
	logger *zap.Logger,
) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	expected := make(map[string]models.Microservice, len(sess.RequiredServices))
	for _, svc := range sess.RequiredServices {
		expected[svc.ID] = svc
	}
	return &Monitor{
		sess:           sess,
		store:          store,
		bus:            bus,
		notifier:       notifier,
		handle:         handle,
		events:         events,
		hiddenIdentity: hiddenIdentity,
		expected:       expected,
		cfg:            cfg,
		logger:         logger.With(zap.String("session_id", sess.ID)),
		joined:         make(map[string]bool),
		lastSeen:       make(map[string]time.Time),
	}
}

// Run consumes room events and timer ticks until the session terminates, the
// stream closes, or ctx is cancelled. It owns the session struct for its
// entire lifetime.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("lifecycle monitoring started",
		zap.Int("expected_services", len(m.expected)),
	)
	defer m.shutdown()

	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.events:
			if !ok {
				// The room is no longer observable; treat the session as
				// terminated.
				m.logger.Warn("room event stream closed")
				m.publish(func(e *eventbus.Event) {
					e.Type = eventbus.TypeError
					e.Message = "room event stream closed"
				})
				return
			}
			m.handleEvent(ctx, ev)
		case <-ticker.C:
			if m.checkTimeouts(ctx) {
				return
			}
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev room.ParticipantEvent) {
	switch ev.Kind {
	case room.ParticipantJoined:
		m.handleJoin(ctx, ev)
	case room.ParticipantLeft:
		m.handleLeave(ev)
	default:
		// Anything else means the room is alive: refresh everyone we
		// currently believe present.
		now := time.Now()
		m.clientLastSeen = now
		for id := range m.joined {
			m.lastSeen[id] = now
		}
	}
}

func (m *Monitor) handleJoin(ctx context.Context, ev room.ParticipantEvent) {
	if m.isSelf(ev) {
		return
	}
	if _, isWorker := m.expected[ev.Identity]; isWorker {
		m.lastSeen[ev.Identity] = time.Now()
		if m.joined[ev.Identity] {
			m.logger.Info("worker reconnected", zap.String("service_id", ev.Identity))
			return
		}
		m.joined[ev.Identity] = true
		if !m.sess.MarkServiceReady(ev.Identity) {
			// Previously timed out and re-invited; readiness was already
			// recorded and announced.
			return
		}
		m.logger.Info("worker joined", zap.String("service_id", ev.Identity))
		m.persist(ctx)
		m.publish(func(e *eventbus.Event) {
			e.Type = eventbus.TypeServiceJoined
			e.ServiceID = ev.Identity
		})
		if m.sess.IsReady() {
			m.logger.Info("all required workers joined")
			m.publish(func(e *eventbus.Event) {
				e.Type = eventbus.TypeSessionReady
				e.AllJoined = true
			})
		}
		return
	}

	// Not a worker, not us: the human client.
	m.clientConnected = true
	m.clientLastSeen = time.Now()
	m.logger.Info("client joined", zap.String("identity", ev.Identity))
	if m.sess.Status == models.SessionReady {
		m.sess.SetStatus(models.SessionActive)
		m.persist(ctx)
	}
	m.publish(func(e *eventbus.Event) {
		e.Type = eventbus.TypeClientJoined
		e.UserIdentity = ev.Identity
	})
}

func (m *Monitor) handleLeave(ev room.ParticipantEvent) {
	if m.isSelf(ev) {
		return
	}
	if _, isWorker := m.expected[ev.Identity]; isWorker {
		// Grace period: keep the worker in the joined set so a quick
		// reconnect does not flap the session. Removal happens only via the
		// timeout check.
		m.logger.Warn("worker left room", zap.String("service_id", ev.Identity))
		return
	}
	m.clientConnected = false
	m.logger.Info("client left room", zap.String("identity", ev.Identity))
}

func (m *Monitor) isSelf(ev room.ParticipantEvent) bool {
	return ev.Identity == m.hiddenIdentity || ev.Role == room.RoleCoordinator
}

// checkTimeouts applies the per-tick timeout policy. Returns true when the
// session must terminate.
func (m *Monitor) checkTimeouts(ctx context.Context) bool {
	now := time.Now()

	if m.clientConnected && now.Sub(m.clientLastSeen) > m.cfg.ClientTimeout {
		m.logger.Warn("client inactivity timeout, terminating session")
		m.sess.SetStatus(models.SessionTerminating)
		m.persist(ctx)
		m.publish(func(e *eventbus.Event) {
			e.Type = eventbus.TypeStatusChanged
			e.Status = models.SessionTerminating
		})
		return true
	}

	for id, svc := range m.expected {
		seen, everSeen := m.lastSeen[id]
		switch {
		case everSeen && now.Sub(seen) > m.cfg.WorkerTimeout:
			m.logger.Warn("worker silent past timeout, re-inviting",
				zap.String("service_id", id),
			)
			delete(m.joined, id)
			m.notifier.RetryJoin(ctx, m.sess, svc)
		case !everSeen && !m.joined[id]:
			m.logger.Info("worker never joined, re-inviting",
				zap.String("service_id", id),
			)
			m.notifier.RetryJoin(ctx, m.sess, svc)
		}
	}
	return false
}

func (m *Monitor) shutdown() {
	if m.handle != nil {
		_ = m.handle.Close()
	}
	if m.sess.Status != models.SessionTerminated {
		m.sess.SetStatus(models.SessionTerminated)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.persist(ctx)
		m.publish(func(e *eventbus.Event) {
			e.Type = eventbus.TypeStatusChanged
			e.Status = models.SessionTerminated
		})
	}
	m.logger.Info("lifecycle monitoring ended")
}

func (m *Monitor) persist(ctx context.Context) {
	if err := m.store.Save(ctx, m.sess); err != nil {
		m.logger.Error("persist session snapshot failed", zap.Error(err))
	}
}

func (m *Monitor) publish(fill func(*eventbus.Event)) {
	ev := eventbus.NewEvent("", m.sess.ID)
	fill(&ev)
	m.bus.PublishToSession(m.sess.ID, ev)
}
