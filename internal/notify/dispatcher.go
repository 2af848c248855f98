package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/coordinator/internal/models"
	"github.com/roomsync/coordinator/internal/room"
	"github.com/roomsync/coordinator/pkg/queue"
)

// Dispatcher fans join instructions out to a session's required workers and
// runs the retry consumer. In-flight fire-and-forget sends are tracked so
// shutdown can drain them deterministically.
type Dispatcher struct {
	client   *Client
	provider room.Provider
	queue    *queue.Queue // nil disables queued retries; retries send directly
	grantTTL time.Duration
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. q may be nil when Redis is not
// configured.
func NewDispatcher(client *Client, provider room.Provider, q *queue.Queue, grantTTL time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client:   client,
		provider: provider,
		queue:    q,
		grantTTL: grantTTL,
		logger:   logger,
	}
}

// DispatchAll mints a credential per required worker and sends each join
// instruction concurrently. Minting failures abort (the session creation
// call fails); delivery failures are logged only — arrival is confirmed
// independently through room events, and absentees are retried by the
// lifecycle monitor.
func (d *Dispatcher) DispatchAll(sess *models.Session) error {
	for _, svc := range sess.RequiredServices {
		credential, err := d.mintWorkerGrant(sess.RoomName, svc.ID)
		if err != nil {
			return err
		}
		inst := Instruction{
			RoomName:       sess.RoomName,
			SessionID:      sess.ID,
			WorkerIdentity: svc.ID,
			Credential:     credential,
			RoomAddress:    d.provider.Address(),
		}
		d.sendAsync(svc.Endpoint, inst)
	}
	return nil
}

// RetryJoin re-invites one worker. With a queue configured the job is
// enqueued for the retry consumer; otherwise a fresh credential is minted
// and sent directly in the background.
func (d *Dispatcher) RetryJoin(ctx context.Context, sess *models.Session, svc models.Microservice) {
	if d.queue != nil {
		payload := queue.NotifyJoinPayload{
			SessionID:      sess.ID,
			ServiceID:      svc.ID,
			Endpoint:       svc.Endpoint,
			RoomName:       sess.RoomName,
			WorkerIdentity: svc.ID,
			RoomAddress:    d.provider.Address(),
		}
		err := d.queue.Enqueue(ctx, payload)
		if err == nil {
			return
		}
		d.logger.Warn("enqueue retry failed, sending directly",
			zap.String("session_id", sess.ID),
			zap.String("service_id", svc.ID),
			zap.Error(err),
		)
	}
	credential, err := d.mintWorkerGrant(sess.RoomName, svc.ID)
	if err != nil {
		d.logger.Error("mint grant for retry failed",
			zap.String("session_id", sess.ID),
			zap.String("service_id", svc.ID),
			zap.Error(err),
		)
		return
	}
	d.sendAsync(svc.Endpoint, Instruction{
		RoomName:       sess.RoomName,
		SessionID:      sess.ID,
		WorkerIdentity: svc.ID,
		Credential:     credential,
		RoomAddress:    d.provider.Address(),
	})
}

// Run consumes the retry queue until ctx ends: dequeue, mint a fresh
// credential, send, and re-enqueue on failure (bounded by the queue's
// attempt limit).
func (d *Dispatcher) Run(ctx context.Context) {
	if d.queue == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notification dispatcher stopping")
			return
		default:
		}

		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("dequeue error", zap.Error(err))
			sleepCtx(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		credential, err := d.mintWorkerGrant(job.Payload.RoomName, job.Payload.WorkerIdentity)
		if err != nil {
			d.logger.Error("mint grant for queued retry failed",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		inst := Instruction{
			RoomName:       job.Payload.RoomName,
			SessionID:      job.Payload.SessionID,
			WorkerIdentity: job.Payload.WorkerIdentity,
			Credential:     credential,
			RoomAddress:    job.Payload.RoomAddress,
		}
		if err := d.client.Send(ctx, job.Payload.Endpoint, inst); err != nil {
			d.logger.Warn("queued join notification failed",
				zap.String("job_id", job.ID),
				zap.String("service_id", job.Payload.ServiceID),
				zap.Error(err),
			)
			if reErr := d.queue.Retry(ctx, job); reErr != nil {
				d.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleepCtx(ctx, queue.RetryBackoff)
		}
	}
}

// Wait blocks until all in-flight fire-and-forget sends complete.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) mintWorkerGrant(roomName, serviceID string) (string, error) {
	return d.provider.MintGrant(room.GrantSpec{
		Identity:       serviceID,
		Room:           roomName,
		Role:           room.RoleWorker,
		CanPublish:     true,
		CanSubscribe:   true,
		CanPublishData: true,
		TTL:            d.grantTTL,
	})
}

func (d *Dispatcher) sendAsync(endpoint string, inst Instruction) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		if err := d.client.Send(ctx, endpoint, inst); err != nil {
			d.logger.Warn("join notification failed",
				zap.String("session_id", inst.SessionID),
				zap.String("worker_identity", inst.WorkerIdentity),
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
