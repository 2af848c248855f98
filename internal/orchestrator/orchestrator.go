package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roomsync/coordinator/internal/eventbus"
	"github.com/roomsync/coordinator/internal/models"
	"github.com/roomsync/coordinator/internal/monitor"
	"github.com/roomsync/coordinator/internal/notify"
	"github.com/roomsync/coordinator/internal/registry"
	"github.com/roomsync/coordinator/internal/room"
	"github.com/roomsync/coordinator/internal/sessions"
	"github.com/roomsync/coordinator/pkg/apperr"
)

const defaultPollInterval = 500 * time.Millisecond

// Config carries the tunables the orchestrator passes down to monitors and
// the room provider.
type Config struct {
	Monitor        monitor.Config
	RoomOptions    room.CreateRoomOptions
	ClientGrantTTL time.Duration
	// PollInterval paces WaitForReady. Zero means 500ms.
	PollInterval time.Duration
}

// CreateRequest is the input to CreateSession. Every field is optional.
type CreateRequest struct {
	RoomName string `json:"room_name"`
	// RequiredServices pins the worker set explicitly. Empty means "every
	// currently available worker".
	RequiredServices []string          `json:"required_services"`
	ClientIdentity   string            `json:"client_identity"`
	Metadata         map[string]string `json:"metadata"`
}

// CreateResult is what a successful CreateSession hands back to the caller:
// the session snapshot plus everything the client needs to enter the room.
type CreateResult struct {
	Session     *models.Session `json:"session"`
	AccessToken string          `json:"access_token"`
	RoomAddress string          `json:"room_address"`
}

// Orchestrator assembles sessions: it resolves workers from the registry,
// creates the room, spawns the lifecycle monitor, and fans join instructions
// out to the workers.
type Orchestrator struct {
	registry   *registry.Registry
	store      sessions.Store
	bus        *eventbus.Bus
	provider   room.Provider
	supervisor *monitor.Supervisor
	dispatcher *notify.Dispatcher
	cfg        Config
	logger     *zap.Logger
}

func New(
	reg *registry.Registry,
	store sessions.Store,
	bus *eventbus.Bus,
	provider room.Provider,
	supervisor *monitor.Supervisor,
	dispatcher *notify.Dispatcher,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Orchestrator{
		registry:   reg,
		store:      store,
		bus:        bus,
		provider:   provider,
		supervisor: supervisor,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// CreateSession builds a session end to end. Room creation, credential
// minting, and persistence failures abort the call (with the room torn down
// again); join-notification delivery failures do not — workers that never
// got the instruction are re-invited by the monitor.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	id := uuid.NewString()
	roomName := req.RoomName
	if roomName == "" {
		roomName = "room-" + id
	}

	var workers []models.Microservice
	if len(req.RequiredServices) > 0 {
		workers = o.registry.GetMany(req.RequiredServices)
	} else {
		workers = o.registry.AllAvailable()
	}

	sess := models.NewSession(id, roomName, req.Metadata)
	for _, svc := range workers {
		sess.AddService(svc)
	}

	if err := o.provider.CreateRoom(ctx, roomName, o.cfg.RoomOptions); err != nil {
		return nil, apperr.Wrap(apperr.KindRoomProvider, "create room", err)
	}

	var handle room.Handle
	var events <-chan room.ParticipantEvent
	if len(workers) == 0 {
		// Nothing to wait for: ready on the spot, no monitor.
		sess.SetStatus(models.SessionReady)
	} else {
		token, err := o.provider.MintGrant(room.GrantSpec{
			Identity:     "coordinator-" + id,
			Room:         roomName,
			Role:         room.RoleCoordinator,
			CanSubscribe: true,
			Hidden:       true,
			RoomAdmin:    true,
		})
		if err != nil {
			o.teardownRoom(roomName)
			return nil, apperr.Wrap(apperr.KindRoomProvider, "mint coordinator grant", err)
		}
		handle, events, err = o.provider.Join(ctx, roomName, token)
		if err != nil {
			o.teardownRoom(roomName)
			return nil, apperr.Wrap(apperr.KindRoomProvider, "join room", err)
		}
		sess.SetStatus(models.SessionWaitingForServices)
	}

	if err := o.store.Save(ctx, sess); err != nil {
		o.abortCreation(roomName, handle)
		return nil, apperr.Wrap(apperr.KindInternal, "persist session", err)
	}

	clientIdentity := req.ClientIdentity
	if clientIdentity == "" {
		clientIdentity = "client-" + id
	}
	clientToken, err := o.provider.MintGrant(room.GrantSpec{
		Identity:     clientIdentity,
		Room:         roomName,
		Role:         room.RoleClient,
		CanPublish:   true,
		CanSubscribe: true,
		TTL:          o.cfg.ClientGrantTTL,
	})
	if err != nil {
		o.abortCreation(roomName, handle)
		o.deleteStored(id)
		return nil, apperr.Wrap(apperr.KindRoomProvider, "mint client grant", err)
	}

	if len(workers) > 0 {
		if err := o.dispatcher.DispatchAll(sess); err != nil {
			o.abortCreation(roomName, handle)
			o.deleteStored(id)
			return nil, apperr.Wrap(apperr.KindRoomProvider, "mint worker grants", err)
		}
	}

	// Snapshot for the caller before the monitor takes ownership of sess.
	result := &CreateResult{
		Session:     sess.Clone(),
		AccessToken: clientToken,
		RoomAddress: o.provider.Address(),
	}

	if len(workers) > 0 {
		m := monitor.New(sess, o.store, o.bus, o.dispatcher, handle, events,
			"coordinator-"+id, o.cfg.Monitor, o.logger)
		o.supervisor.Start(id, m)
	}

	ev := eventbus.NewEvent(eventbus.TypeSessionCreated, id)
	ev.RoomName = roomName
	ev.AccessToken = clientToken
	ev.RoomAddress = result.RoomAddress
	o.bus.PublishToSession(id, ev)

	o.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("room_name", roomName),
		zap.Int("required_services", len(workers)),
		zap.String("status", string(result.Session.Status)),
	)
	return result, nil
}

// GetSession returns the persisted snapshot for id.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load session", err)
	}
	if sess == nil {
		return nil, apperr.Newf(apperr.KindSessionNotFound, "session %s not found", id)
	}
	return sess, nil
}

// ListSessions returns snapshots of every stored session.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]*models.Session, error) {
	list, err := o.store.List(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list sessions", err)
	}
	return list, nil
}

// TerminateSession stops the session's monitor, deletes the room, and marks
// the session terminated. Terminating an already-terminated session is a
// no-op success.
func (o *Orchestrator) TerminateSession(ctx context.Context, id string) error {
	sess, err := o.GetSession(ctx, id)
	if err != nil {
		return err
	}

	// Stopping the monitor closes the room handle and persists Terminated;
	// for monitor-less sessions (zero workers) we do it ourselves below.
	o.supervisor.Stop(id)

	if err := o.provider.DeleteRoom(ctx, sess.RoomName); err != nil {
		o.logger.Warn("delete room failed",
			zap.String("session_id", id),
			zap.String("room_name", sess.RoomName),
			zap.Error(err),
		)
	}

	sess, err = o.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionTerminated {
		sess.SetStatus(models.SessionTerminated)
		if err := o.store.Save(ctx, sess); err != nil {
			return apperr.Wrap(apperr.KindInternal, "persist session", err)
		}
		ev := eventbus.NewEvent(eventbus.TypeStatusChanged, id)
		ev.Status = models.SessionTerminated
		o.bus.PublishToSession(id, ev)
	}

	o.bus.CleanupSession(id)
	o.logger.Info("session terminated", zap.String("session_id", id))
	return nil
}

// WaitForReady polls the stored session until it reaches Ready (or beyond),
// the session terminates, or the timeout expires. It is the degraded
// substitute for the event stream.
func (o *Orchestrator) WaitForReady(ctx context.Context, id string, timeout time.Duration) (*models.Session, error) {
	deadline := time.Now().Add(timeout)
	for {
		sess, err := o.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		switch sess.Status {
		case models.SessionReady, models.SessionActive:
			return sess, nil
		case models.SessionTerminating, models.SessionTerminated:
			return sess, nil
		}
		if time.Now().After(deadline) {
			return nil, apperr.Newf(apperr.KindJoinTimeout, "session %s not ready after %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// teardownRoom undoes room creation after a mid-creation failure.
func (o *Orchestrator) teardownRoom(roomName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.provider.DeleteRoom(ctx, roomName); err != nil {
		o.logger.Warn("cleanup: delete room failed",
			zap.String("room_name", roomName), zap.Error(err))
	}
}

func (o *Orchestrator) abortCreation(roomName string, handle room.Handle) {
	if handle != nil {
		_ = handle.Close()
	}
	o.teardownRoom(roomName)
}

func (o *Orchestrator) deleteStored(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Delete(ctx, id); err != nil {
		o.logger.Warn("cleanup: delete session failed",
			zap.String("session_id", id), zap.Error(err))
	}
}
