package bookings

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/member-portal/backend/internal/ledger"
	"github.com/member-portal/backend/internal/models"
)

// Repository is the Postgres booking store. Its units of work also carry ledger writes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a bookings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InTx runs fn in a database transaction shared by ledger and booking writes.
func (r *Repository) InTx(ctx context.Context, fn func(Tx) error) error {
	return ledger.RunInTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&txRepository{TxRepository: ledger.NewTxRepository(tx)})
	})
}

type txRepository struct {
	*ledger.TxRepository
}

func (t *txRepository) InsertBooking(ctx context.Context, b *models.Booking) error {
	const q = `INSERT INTO bookings (id, event_id, member_id, attendee_email, attendee_first_name, attendee_last_name,
			booking_reference, confirmation_token, status, payment_method, ticket_price)
		VALUES (gen_random_uuid(), $1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	return t.Tx().QueryRow(ctx, q, b.EventID, b.MemberID, b.AttendeeEmail, b.AttendeeFirstName, b.AttendeeLastName,
		b.BookingReference, b.ConfirmationToken, b.Status, b.PaymentMethod, b.TicketPrice).
		Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
}
