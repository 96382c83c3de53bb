package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/member-portal/backend/pkg/queue"
	"github.com/member-portal/backend/pkg/storage"
)

// JobSource hands out jobs and takes back failures.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Archive stores ledger rows outside the database.
type Archive interface {
	ArchiveExists(ctx context.Context, key string) (bool, error)
	UploadArchive(ctx context.Context, key string, body []byte) (string, error)
}

// Processor runs notification and ledger archive jobs.
type Processor struct {
	source  JobSource
	archive Archive
	logger  *zap.Logger
	backoff time.Duration
}

// NewProcessor creates a job processor. archive may be nil, in which case archive jobs fail and
// are retried until they land in the DLQ.
func NewProcessor(source JobSource, archive Archive, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{source: source, archive: archive, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeNotification:
		return p.notify(job)
	case queue.JobTypeLedgerArchive:
		return p.archiveRow(ctx, job)
	}
	return fmt.Errorf("unknown job type: %s", job.Type)
}

// notify delivers an attendee notification. Outbound mail is not wired, so the structured log line
// is the delivery record.
func (p *Processor) notify(job *queue.Job) error {
	var payload queue.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.RecipientEmail == "" {
		return fmt.Errorf("notification %s has no recipient", job.ID)
	}
	p.logger.Info("booking notification",
		zap.String("job_id", job.ID),
		zap.String("recipient", payload.RecipientEmail),
		zap.String("booking_reference", payload.BookingReference),
		zap.String("event_id", payload.EventID.String()),
		zap.String("event_title", payload.EventTitle),
	)
	return nil
}

func (p *Processor) archiveRow(ctx context.Context, job *queue.Job) error {
	if p.archive == nil {
		return fmt.Errorf("ledger archive not configured")
	}
	var payload queue.LedgerArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if record := bytes.TrimSpace(payload.Record); len(record) == 0 || bytes.Equal(record, []byte("null")) {
		return fmt.Errorf("archive job %s has no record", job.ID)
	}
	// One object per job: a cancelled or reinstated row is archived again under a new key.
	name := payload.TransactionID.String() + "_" + job.ID
	key := storage.ArchiveKey(payload.OrganizationID.String(), payload.Program, name, payload.CreatedAt)

	if job.Attempt > 0 {
		exists, err := p.archive.ArchiveExists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			p.logger.Info("ledger row already archived", zap.String("s3_key", key))
			return nil
		}
	}
	url, err := p.archive.UploadArchive(ctx, key, payload.Record)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("ledger row archived",
		zap.String("transaction_id", payload.TransactionID.String()),
		zap.String("s3_key", key),
		zap.String("url", url),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		job, _, err := p.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.source.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
