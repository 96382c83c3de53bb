package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/member-portal/backend/internal/ledger"
	"github.com/member-portal/backend/internal/models"
	"github.com/member-portal/backend/internal/store/memory"
)

const actor = "ops@portal.test"

type recordingArchiver struct {
	mu   sync.Mutex
	rows []models.TicketTransaction
}

func (a *recordingArchiver) Archive(_ context.Context, t models.TicketTransaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, t)
}

func setup(t *testing.T, balances models.TicketBalances) (*ledger.Ledger, *memory.Store, uuid.UUID, *recordingArchiver) {
	t.Helper()
	store := memory.New()
	org := &models.Organization{Name: "Acme"}
	store.PutOrganization(org)
	arch := &recordingArchiver{}
	l := ledger.New(store.Ledger(), arch, nil, nil)
	// opening balances go through the log so Verify holds from the start
	for program, qty := range balances {
		_, err := l.Purchase(context.Background(), org.ID, program, qty, "", "seed")
		require.NoError(t, err)
	}
	arch.rows = nil
	return l, store, org.ID, arch
}

func assertConsistent(t *testing.T, l *ledger.Ledger, orgID uuid.UUID, program string) {
	t.Helper()
	v, err := l.Verify(context.Background(), orgID, program)
	require.NoError(t, err)
	assert.True(t, v.Consistent, "stored %d expected %d", v.Stored, v.Expected)
}

func TestPurchase_CreditsBalance(t *testing.T) {
	// GIVEN: an organization with 2 LEAD tickets
	// WHEN: 3 more are purchased
	// THEN: the balance is 5 and a purchase row is logged
	l, store, orgID, arch := setup(t, models.TicketBalances{"LEAD": 2})
	ctx := context.Background()

	res, err := l.Purchase(ctx, orgID, "LEAD", 3, "INV-1", actor)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Balance)
	assert.Equal(t, models.TransactionPurchase, res.Transaction.TransactionType)
	require.NotNil(t, res.Transaction.PaymentReference)
	assert.Equal(t, "INV-1", *res.Transaction.PaymentReference)
	assert.Equal(t, actor, res.Transaction.CreatedBy)

	assert.Equal(t, 5, store.Organization(orgID).ProgramTicketBalances["LEAD"])
	assert.Len(t, arch.rows, 1)
}

func TestPurchase_DuplicatePaymentReference(t *testing.T) {
	// GIVEN: a purchase already credited under INV-7
	// WHEN: the same payment reference is credited again
	// THEN: it is rejected and the balance is unchanged
	l, store, orgID, _ := setup(t, nil)
	ctx := context.Background()

	_, err := l.Purchase(ctx, orgID, "LEAD", 4, "INV-7", actor)
	require.NoError(t, err)

	_, err = l.Purchase(ctx, orgID, "LEAD", 4, "INV-7", actor)
	assert.ErrorIs(t, err, ledger.ErrDuplicatePayment)
	assert.Equal(t, 4, store.Organization(orgID).ProgramTicketBalances["LEAD"])
	assert.Equal(t, 1, store.TransactionCount())
}

func TestPurchase_Validation(t *testing.T) {
	l, _, orgID, _ := setup(t, nil)
	ctx := context.Background()

	_, err := l.Purchase(ctx, orgID, " ", 1, "", actor)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	_, err = l.Purchase(ctx, orgID, "LEAD", 0, "", actor)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	_, err = l.Purchase(ctx, uuid.New(), "LEAD", 1, "", actor)
	assert.ErrorIs(t, err, ledger.ErrOrganizationNotFound)
}

func TestConsume_InsufficientBalance(t *testing.T) {
	// GIVEN: 1 LEAD ticket
	// WHEN: 2 are consumed
	// THEN: the debit is refused with the available quantity and nothing is written
	l, store, orgID, arch := setup(t, models.TicketBalances{"LEAD": 1})

	_, err := l.Consume(context.Background(), orgID, "LEAD", 2, "BK1", actor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var ibe *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assert.Equal(t, 2, ibe.Requested)
	assert.Equal(t, 1, ibe.Available)
	assert.Equal(t, "LEAD", ibe.Program)

	assert.Equal(t, 1, store.Organization(orgID).ProgramTicketBalances["LEAD"])
	assert.Equal(t, 1, store.TransactionCount())
	assert.Empty(t, arch.rows)
}

func TestConsume_UnknownProgramIsZero(t *testing.T) {
	l, _, orgID, _ := setup(t, models.TicketBalances{"LEAD": 3})

	_, err := l.Consume(context.Background(), orgID, "MENTOR", 1, "", actor)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestCancelReinstate_RoundTrip(t *testing.T) {
	// GIVEN: balance 5, then a usage of 2 (balance 3)
	// WHEN: the usage is cancelled and then reinstated
	// THEN: the balance goes 3 -> 5 -> 3, one refund row exists and the log stays consistent
	l, _, orgID, _ := setup(t, models.TicketBalances{"LEAD": 5})
	ctx := context.Background()

	used, err := l.Consume(ctx, orgID, "LEAD", 2, "BKX", actor)
	require.NoError(t, err)
	assert.Equal(t, 3, used.Balance)
	usageID := used.Transaction.ID

	cancelled, err := l.Cancel(ctx, usageID, "attendee sick", actor)
	require.NoError(t, err)
	assert.Equal(t, 5, cancelled.Balance)
	assert.Equal(t, 2, cancelled.Quantity)
	require.NotNil(t, cancelled.Transaction.CancelledAt)
	require.NotNil(t, cancelled.Refund)
	assert.Equal(t, models.TransactionRefund, cancelled.Refund.TransactionType)
	assert.Equal(t, usageID, *cancelled.Refund.RelatedTransactionID)
	assert.Contains(t, cancelled.Transaction.Notes, "cancelled by "+actor+": attendee sick")

	reinstated, err := l.Reinstate(ctx, usageID, actor)
	require.NoError(t, err)
	assert.Equal(t, 3, reinstated.Balance)
	assert.Nil(t, reinstated.Transaction.CancelledAt)
	assert.Nil(t, reinstated.Transaction.CancellationReason)
	assert.Contains(t, reinstated.Transaction.Notes, "reinstated by "+actor)

	history, err := l.History(ctx, orgID, "LEAD")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.TransactionPurchase, history[0].TransactionType)
	assert.Equal(t, models.TransactionUsage, history[1].TransactionType)
	assert.Equal(t, models.TransactionRefund, history[2].TransactionType)
	assert.Nil(t, history[1].CancelledAt)

	assertConsistent(t, l, orgID, "LEAD")
}

func TestCancel_Rejections(t *testing.T) {
	l, _, orgID, _ := setup(t, models.TicketBalances{"LEAD": 5})
	ctx := context.Background()

	_, err := l.Cancel(ctx, uuid.New(), "", actor)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	bought, err := l.Purchase(ctx, orgID, "LEAD", 1, "", actor)
	require.NoError(t, err)
	_, err = l.Cancel(ctx, bought.Transaction.ID, "", actor)
	assert.ErrorIs(t, err, ledger.ErrNotAUsageTransaction)

	used, err := l.Consume(ctx, orgID, "LEAD", 1, "", actor)
	require.NoError(t, err)
	_, err = l.Cancel(ctx, used.Transaction.ID, "", actor)
	require.NoError(t, err)
	_, err = l.Cancel(ctx, used.Transaction.ID, "", actor)
	assert.ErrorIs(t, err, ledger.ErrAlreadyCancelled)

	assertConsistent(t, l, orgID, "LEAD")
}

func TestReinstate_Rejections(t *testing.T) {
	// GIVEN: a cancelled usage of 3 whose refunded tickets were spent elsewhere
	// WHEN: it is reinstated
	// THEN: it fails with insufficient balance and stays cancelled
	l, _, orgID, _ := setup(t, models.TicketBalances{"LEAD": 3})
	ctx := context.Background()

	_, err := l.Reinstate(ctx, uuid.New(), actor)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	used, err := l.Consume(ctx, orgID, "LEAD", 3, "", actor)
	require.NoError(t, err)
	_, err = l.Reinstate(ctx, used.Transaction.ID, actor)
	assert.ErrorIs(t, err, ledger.ErrNotCancelled)

	_, err = l.Cancel(ctx, used.Transaction.ID, "moved", actor)
	require.NoError(t, err)
	_, err = l.Consume(ctx, orgID, "LEAD", 2, "", actor)
	require.NoError(t, err)

	_, err = l.Reinstate(ctx, used.Transaction.ID, actor)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := l.Balance(ctx, orgID, "LEAD")
	require.NoError(t, err)
	assert.Equal(t, 1, balance)
	assertConsistent(t, l, orgID, "LEAD")
}

func TestConsume_ConcurrentNeverOverdraws(t *testing.T) {
	// GIVEN: 10 tickets
	// WHEN: 25 concurrent single-ticket debits race
	// THEN: exactly 10 succeed and the balance ends at 0
	l, _, orgID, _ := setup(t, models.TicketBalances{"LEAD": 10})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, refused := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, orgID, "LEAD", 1, "", actor)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ledger.ErrInsufficientBalance) {
				refused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 15, refused)
	balance, err := l.Balance(ctx, orgID, "LEAD")
	require.NoError(t, err)
	assert.Zero(t, balance)
	assertConsistent(t, l, orgID, "LEAD")
}

func TestExpectedBalance(t *testing.T) {
	related := uuid.New()
	cancelledAt := time.Now()
	rows := []models.TicketTransaction{
		{TransactionType: models.TransactionPurchase, Quantity: 10},
		{TransactionType: models.TransactionUsage, Quantity: 3},
		{TransactionType: models.TransactionUsage, Quantity: 2, CancelledAt: &cancelledAt},
		{TransactionType: models.TransactionRefund, Quantity: 2, RelatedTransactionID: &related},
		{TransactionType: models.TransactionRefund, Quantity: 1},
	}
	assert.Equal(t, 8, ledger.ExpectedBalance(rows))
}

func TestVerify_DetectsDrift(t *testing.T) {
	l, store, orgID, _ := setup(t, nil)
	ctx := context.Background()

	_, err := l.Purchase(ctx, orgID, "LEAD", 4, "", actor)
	require.NoError(t, err)

	org := store.Organization(orgID)
	org.ProgramTicketBalances["LEAD"] = 9
	store.PutOrganization(org)

	v, err := l.Verify(ctx, orgID, "LEAD")
	require.NoError(t, err)
	assert.False(t, v.Consistent)
	assert.Equal(t, 9, v.Stored)
	assert.Equal(t, 4, v.Expected)
}
