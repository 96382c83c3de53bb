package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BookingStatus values.
const (
	BookingStatusPending              = "pending"
	BookingStatusPendingBackstageSync = "pending_backstage_sync"
	BookingStatusConfirmed            = "confirmed"
	BookingStatusCancelled            = "cancelled"
)

// PaymentMethodProgramTicket marks bookings paid from the organization's ticket balance.
const PaymentMethodProgramTicket = "program_ticket"

// Booking is one attendee seat at an event. Link-based placeholders have empty attendee fields
// and a confirmation token.
type Booking struct {
	ID                uuid.UUID       `json:"id"`
	EventID           uuid.UUID       `json:"event_id"`
	MemberID          uuid.UUID       `json:"member_id"`
	AttendeeEmail     string          `json:"attendee_email"`
	AttendeeFirstName string          `json:"attendee_first_name"`
	AttendeeLastName  string          `json:"attendee_last_name"`
	BookingReference  string          `json:"booking_reference"`
	ConfirmationToken *string         `json:"confirmation_token,omitempty"`
	Status            string          `json:"status"`
	PaymentMethod     string          `json:"payment_method"`
	TicketPrice       decimal.Decimal `json:"ticket_price"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
