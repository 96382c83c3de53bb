package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is a bookable event. Events tagged with a program are paid with program tickets.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Title       string          `json:"title"`
	ProgramTag  *string         `json:"program_tag,omitempty"`
	StartsAt    time.Time       `json:"starts_at"`
	TicketPrice decimal.Decimal `json:"ticket_price"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
