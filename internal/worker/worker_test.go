package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/member-portal/backend/internal/bookings"
	"github.com/member-portal/backend/internal/ledger"
	"github.com/member-portal/backend/internal/models"
	"github.com/member-portal/backend/internal/store/memory"
	"github.com/member-portal/backend/internal/worker"
	"github.com/member-portal/backend/pkg/queue"
)

type recordingQueue struct {
	mu            sync.Mutex
	notifications []queue.NotificationPayload
	archives      []queue.LedgerArchivePayload
	fail          error
}

func (q *recordingQueue) EnqueueNotification(_ context.Context, p queue.NotificationPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.notifications = append(q.notifications, p)
	return nil
}

func (q *recordingQueue) EnqueueLedgerArchive(_ context.Context, p queue.LedgerArchivePayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.archives = append(q.archives, p)
	return nil
}

type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newFakeArchive() *fakeArchive { return &fakeArchive{objects: map[string][]byte{}} }

func (a *fakeArchive) ArchiveExists(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[key]
	return ok, nil
}

func (a *fakeArchive) UploadArchive(_ context.Context, key string, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failPut != nil {
		return "", a.failPut
	}
	a.objects[key] = body
	return "s3://archive/" + key, nil
}

func archiveJob(t *testing.T, payload queue.LedgerArchivePayload) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeLedgerArchive, payload, time.Now())
	require.NoError(t, err)
	return job
}

func TestLedgerArchiver_EnqueuesCommittedRows(t *testing.T) {
	// GIVEN: a ledger wired to the queue-backed archiver
	// WHEN: tickets are bought and one usage row is cancelled
	// THEN: every committed row state is queued for archival
	store := memory.New()
	org := &models.Organization{Name: "Acme"}
	store.PutOrganization(org)
	q := &recordingQueue{}
	l := ledger.New(store.Ledger(), worker.NewLedgerArchiver(q, nil), nil, nil)
	ctx := context.Background()

	_, err := l.Purchase(ctx, org.ID, "LEAD", 3, "INV-7", "ops")
	require.NoError(t, err)
	used, err := l.Consume(ctx, org.ID, "LEAD", 1, "BK1-AAAAAA", "ops")
	require.NoError(t, err)
	_, err = l.Cancel(ctx, used.Transaction.ID, "no-show", "ops")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(q.archives), 3)
	first := q.archives[0]
	assert.Equal(t, org.ID, first.OrganizationID)
	assert.Equal(t, "LEAD", first.Program)
	var row models.TicketTransaction
	require.NoError(t, json.Unmarshal(first.Record, &row))
	assert.Equal(t, models.TransactionPurchase, row.TransactionType)
	assert.Equal(t, 3, row.Quantity)
}

func TestLedgerArchiver_SwallowsQueueFailure(t *testing.T) {
	store := memory.New()
	org := &models.Organization{Name: "Acme"}
	store.PutOrganization(org)
	q := &recordingQueue{fail: errors.New("redis down")}
	l := ledger.New(store.Ledger(), worker.NewLedgerArchiver(q, nil), nil, nil)

	res, err := l.Purchase(context.Background(), org.ID, "LEAD", 2, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Balance)
}

func TestBookingNotifier(t *testing.T) {
	q := &recordingQueue{}
	n := worker.NewBookingNotifier(q)
	note := bookings.Notification{
		BookingID:        uuid.New(),
		BookingReference: "BKX-ABCDEF",
		EventID:          uuid.New(),
		EventTitle:       "Leadership Day",
		Email:            "b@acme.org",
		FirstName:        "Ben",
	}
	require.NoError(t, n.BookingCreated(context.Background(), note))
	require.Len(t, q.notifications, 1)
	got := q.notifications[0]
	assert.Equal(t, "b@acme.org", got.RecipientEmail)
	assert.Equal(t, note.BookingReference, got.BookingReference)
	assert.Equal(t, note.EventTitle, got.EventTitle)
}

func TestProcessor_Process(t *testing.T) {
	archive := newFakeArchive()
	p := worker.NewProcessor(nil, archive, nil)
	ctx := context.Background()

	note, err := queue.NewJob(queue.JobTypeNotification, queue.NotificationPayload{RecipientEmail: "b@acme.org"}, time.Now())
	require.NoError(t, err)
	assert.NoError(t, p.Process(ctx, note))

	blank, err := queue.NewJob(queue.JobTypeNotification, queue.NotificationPayload{}, time.Now())
	require.NoError(t, err)
	assert.Error(t, p.Process(ctx, blank))

	txID := uuid.New()
	job := archiveJob(t, queue.LedgerArchivePayload{
		TransactionID:  txID,
		OrganizationID: uuid.New(),
		Program:        "LEAD",
		CreatedAt:      time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
		Record:         json.RawMessage(`{"quantity":1}`),
	})
	require.NoError(t, p.Process(ctx, job))
	require.Len(t, archive.objects, 1)
	for key, body := range archive.objects {
		assert.True(t, strings.HasPrefix(key, "ledger/"))
		assert.Contains(t, key, "/LEAD/2025/04/"+txID.String())
		assert.JSONEq(t, `{"quantity":1}`, string(body))
	}

	assert.Error(t, p.Process(ctx, &queue.Job{ID: "x", Type: "recording_upload"}))
	assert.Error(t, p.Process(ctx, archiveJob(t, queue.LedgerArchivePayload{TransactionID: txID})))
	assert.Error(t, p.Process(ctx, archiveJob(t, queue.LedgerArchivePayload{TransactionID: txID, Record: json.RawMessage(" null ")})))
	assert.Len(t, archive.objects, 1, "recordless jobs must not upload")
}

func TestProcessor_RetriedArchiveIsIdempotent(t *testing.T) {
	archive := newFakeArchive()
	p := worker.NewProcessor(nil, archive, nil)
	job := archiveJob(t, queue.LedgerArchivePayload{
		TransactionID: uuid.New(), OrganizationID: uuid.New(), Program: "LEAD",
		CreatedAt: time.Now(), Record: json.RawMessage(`{}`),
	})
	require.NoError(t, p.Process(context.Background(), job))

	archive.failPut = errors.New("should not upload twice")
	job.Attempt = 1
	assert.NoError(t, p.Process(context.Background(), job))
}

type scriptedSource struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	retried []*queue.Job
	done    func()
}

func (s *scriptedSource) Dequeue(ctx context.Context) (*queue.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		s.done()
		<-ctx.Done()
		return nil, "", ctx.Err()
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	return job, "", nil
}

func (s *scriptedSource) Retry(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Attempt++
	s.retried = append(s.retried, job)
	s.done()
	return nil
}

func TestProcessor_RunRetriesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, err := queue.NewJob(queue.JobTypeNotification, queue.NotificationPayload{RecipientEmail: "b@acme.org"}, time.Now())
	require.NoError(t, err)
	bad := &queue.Job{ID: "bad", Type: "unknown"}
	src := &scriptedSource{jobs: []*queue.Job{good, bad}, done: cancel}

	finished := make(chan struct{})
	go func() {
		worker.NewProcessor(src, nil, nil).Run(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.Len(t, src.retried, 1)
	assert.Equal(t, "bad", src.retried[0].ID)
	assert.Equal(t, 1, src.retried[0].Attempt)
}
