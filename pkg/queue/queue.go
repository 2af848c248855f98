// Package queue is a Redis-list backed job queue for retried worker join
// notifications, with bounded retries and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueNotifications is the Redis list key for join-notification jobs.
	QueueNotifications = "coordinator:notifications"
	// QueueDLQ holds jobs that exhausted their retries.
	QueueDLQ = "coordinator:dlq"
	// MaxAttempts before a job moves to the DLQ.
	MaxAttempts = 3
	// RetryBackoff is the pause after a dequeue or processing failure.
	RetryBackoff = 10 * time.Second
)

// NotifyJoinPayload identifies one worker to (re)notify about one session's
// room. The credential is minted at send time so retried jobs never carry a
// stale token.
type NotifyJoinPayload struct {
	SessionID      string `json:"session_id"`
	ServiceID      string `json:"service_id"`
	Endpoint       string `json:"endpoint"`
	RoomName       string `json:"room_name"`
	WorkerIdentity string `json:"worker_identity"`
	RoomAddress    string `json:"room_address"`
}

// Job is the queue envelope.
type Job struct {
	ID        string            `json:"id"`
	Payload   NotifyJoinPayload `json:"payload"`
	Attempt   int               `json:"attempt"`
	CreatedAt time.Time         `json:"created_at"`
}

// Queue enqueues and dequeues notification jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates a Redis-backed notification queue.
func New(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Enqueue pushes a fresh notification job.
func (q *Queue) Enqueue(ctx context.Context, payload NotifyJoinPayload) error {
	job := Job{
		ID:        uuid.New().String(),
		Payload:   payload,
		Attempt:   0,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueNotifications, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued join notification",
		zap.String("job_id", job.ID),
		zap.String("session_id", payload.SessionID),
		zap.String("service_id", payload.ServiceID),
	)
	return nil
}

// Dequeue blocks until a job is available or ctx is done. A nil job with nil
// error means a transient empty read; callers loop.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, 0, QueueNotifications).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a failed job with an incremented attempt, or moves it to
// the DLQ once attempts are exhausted.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxAttempts {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			return fmt.Errorf("dlq push: %w", err)
		}
		q.logger.Warn("notification job moved to DLQ",
			zap.String("job_id", job.ID),
			zap.String("service_id", job.Payload.ServiceID),
			zap.Int("attempt", job.Attempt),
		)
		return nil
	}
	if err := q.client.RPush(ctx, QueueNotifications, raw).Err(); err != nil {
		return fmt.Errorf("rpush retry: %w", err)
	}
	q.logger.Info("notification job retried",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}
