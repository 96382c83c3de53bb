package discounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/member-portal/backend/internal/models"
)

var (
	// ErrCodeNotFound is returned when no active code matches.
	ErrCodeNotFound = errors.New("discount code not found")
	// ErrCodeExpired is returned when the code's expiry date has passed.
	ErrCodeExpired = errors.New("discount code expired")
	// ErrUsageLimitReached is returned when times_used has reached max_uses.
	ErrUsageLimitReached = errors.New("discount code usage limit reached")
	// ErrInvalidAmount is returned for a negative amount or a blank code.
	ErrInvalidAmount = errors.New("invalid discount request")
)

// Quote is the discount applied to an amount.
type Quote struct {
	Code           string          `json:"code"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
}

var hundred = decimal.NewFromInt(100)

// Apply evaluates code against amount at now. It never mutates the code.
func Apply(code *models.DiscountCode, amount decimal.Decimal, now time.Time) (*Quote, error) {
	if code == nil || !code.IsActive {
		return nil, ErrCodeNotFound
	}
	if code.ExpiryDate != nil && code.ExpiryDate.Before(now) {
		return nil, ErrCodeExpired
	}
	if code.MaxUses != nil && code.TimesUsed >= *code.MaxUses {
		return nil, ErrUsageLimitReached
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidAmount)
	}

	var raw decimal.Decimal
	if code.DiscountType == models.DiscountFixed {
		raw = code.DiscountValue
	} else {
		raw = amount.Mul(code.DiscountValue).Div(hundred)
	}
	return &Quote{
		Code:           code.Code,
		DiscountAmount: decimal.Min(raw, amount),
		FinalAmount:    decimal.Max(decimal.Zero, amount.Sub(raw)),
	}, nil
}

// Store looks discount codes up.
type Store interface {
	// GetByCode matches case-insensitively; nil when missing.
	GetByCode(ctx context.Context, code string) (*models.DiscountCode, error)
}

// Service applies stored codes.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates the discount service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Apply looks code up and applies it to amount.
func (s *Service) Apply(ctx context.Context, code string, amount decimal.Decimal) (*Quote, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidAmount)
	}
	dc, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get discount code: %w", err)
	}
	return Apply(dc, amount, s.now())
}
