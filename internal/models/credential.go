package models

import "time"

// ExternalCredential is the OAuth credential pair for one external integration.
type ExternalCredential struct {
	Integration  string    `json:"integration"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
