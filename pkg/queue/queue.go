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
	// QueueNotifications is the Redis list key for attendee notification jobs.
	QueueNotifications = "worker:notifications"
	// QueueLedgerArchive is the Redis list key for ledger archive jobs.
	QueueLedgerArchive = "worker:ledger_archive"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// PollTimeout bounds one blocking pop so the worker loop can observe cancellation.
	PollTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeNotification  JobType = "notification"
	JobTypeLedgerArchive JobType = "ledger_archive"
)

// NotificationPayload is the payload for booking notification jobs.
type NotificationPayload struct {
	BookingID        uuid.UUID `json:"booking_id"`
	BookingReference string    `json:"booking_reference"`
	EventID          uuid.UUID `json:"event_id"`
	EventTitle       string    `json:"event_title"`
	RecipientEmail   string    `json:"recipient_email"`
	FirstName        string    `json:"first_name"`
}

// LedgerArchivePayload is the payload for ledger archive jobs. Record is the transaction row as JSON.
type LedgerArchivePayload struct {
	TransactionID  uuid.UUID       `json:"transaction_id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	Program        string          `json:"program"`
	CreatedAt      time.Time       `json:"created_at"`
	Record         json.RawMessage `json:"record"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// QueueFor returns the list key jobs of type t are pushed to.
func QueueFor(t JobType) (string, error) {
	switch t {
	case JobTypeNotification:
		return QueueNotifications, nil
	case JobTypeLedgerArchive:
		return QueueLedgerArchive, nil
	}
	return "", fmt.Errorf("unknown job type: %s", t)
}

// NewJob wraps payload in a fresh envelope.
func NewJob(t JobType, payload interface{}, now time.Time) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		Attempt:   0,
		CreatedAt: now,
	}, nil
}

// retryDestination is the list a failed job goes to next.
func retryDestination(job *Job) (string, error) {
	if job.Attempt >= MaxRetries {
		return QueueDLQ, nil
	}
	return QueueFor(job.Type)
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Enqueue pushes a job of type t onto its queue.
func (q *Queue) Enqueue(ctx context.Context, t JobType, payload interface{}) error {
	key, err := QueueFor(t)
	if err != nil {
		return err
	}
	job, err := NewJob(t, payload, time.Now())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(t)))
	return nil
}

// EnqueueNotification enqueues an attendee notification.
func (q *Queue) EnqueueNotification(ctx context.Context, payload NotificationPayload) error {
	return q.Enqueue(ctx, JobTypeNotification, payload)
}

// EnqueueLedgerArchive enqueues a committed ledger row for archival.
func (q *Queue) EnqueueLedgerArchive(ctx context.Context, payload LedgerArchivePayload) error {
	return q.Enqueue(ctx, JobTypeLedgerArchive, payload)
}

// Dequeue waits up to PollTimeout for a job on any worker queue. A nil job with a nil error
// means nothing arrived. Returns job and key (queue name).
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, PollTimeout, QueueNotifications, QueueLedgerArchive).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key, err := retryDestination(job)
	if err != nil {
		key = QueueDLQ
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		q.logger.Error("retry push failed", zap.Error(err), zap.String("job_id", job.ID), zap.String("queue", key))
		return err
	}
	if key == QueueDLQ {
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
