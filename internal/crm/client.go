package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/member-portal/backend/internal/metrics"
)

var (
	// ErrNotConfigured is returned when the integration has no base URL or credentials.
	ErrNotConfigured = errors.New("crm integration not configured")
	// ErrTokenRejected is returned when the token endpoint refuses a refresh.
	ErrTokenRejected = errors.New("crm token refresh rejected")
	// ErrMalformedResponse is returned when a response body is empty or not JSON.
	ErrMalformedResponse = errors.New("crm returned a malformed response")
	// ErrAccountNotFound is returned when an account id is unknown to the CRM.
	ErrAccountNotFound = errors.New("crm account not found")
)

// Config configures the CRM client.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Token is a freshly issued access token.
type Token struct {
	AccessToken  string
	RefreshToken string // empty when the endpoint did not rotate it
	ExpiresAt    time.Time
}

// AccountRef is the account linked to a contact.
type AccountRef struct {
	ID string `json:"id"`
}

// Contact is a person record in the CRM.
type Contact struct {
	ID        string      `json:"id"`
	Email     string      `json:"email"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Account   *AccountRef `json:"account,omitempty"`
}

// AccountID returns the linked account id or "".
func (c Contact) AccountID() string {
	if c.Account == nil {
		return ""
	}
	return strings.TrimSpace(c.Account.ID)
}

// Account is an organization record in the CRM with the training-fund counters.
type Account struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	TrainingFundBalance  decimal.Decimal `json:"training_fund_balance"`
	TrainingFundEligible bool            `json:"training_fund_eligible"`
}

// Client talks to the external CRM over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	metrics *metrics.Recorder
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient creates a CRM client. Every request is bounded by cfg.Timeout.
func NewClient(cfg Config, rec *metrics.Recorder, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: rec,
		logger:  logger,
		now:     time.Now,
	}
}

// Configured reports whether the client can reach the CRM.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.BaseURL != "" && c.cfg.TokenURL != "" && c.cfg.ClientID != ""
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RefreshToken exchanges a refresh token for a new access token (grant_type=refresh_token).
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	start := time.Now()
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	c.metrics.ObserveExternalCall("token_refresh", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: token endpoint status %d", ErrMalformedResponse, status)
	}
	if tr.Error != "" || status >= http.StatusBadRequest || tr.AccessToken == "" {
		msg := tr.Error
		if tr.ErrorDescription != "" {
			msg += ": " + tr.ErrorDescription
		}
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		return nil, fmt.Errorf("%w: %s", ErrTokenRejected, msg)
	}
	return &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

type searchFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type searchRequest struct {
	Filters []searchFilter `json:"filters"`
	Limit   int            `json:"limit"`
}

type searchResponse struct {
	Results []Contact `json:"results"`
}

// FindContactsByEmail searches contacts whose email equals email. An empty or non-JSON body
// is reported as ErrMalformedResponse so callers can decide whether that means "no match".
func (c *Client) FindContactsByEmail(ctx context.Context, accessToken, email string) ([]Contact, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	start := time.Now()
	payload, err := json.Marshal(searchRequest{
		Filters: []searchFilter{{Field: "email", Operator: "eq", Value: email}},
		Limit:   10,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/contacts/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	c.metrics.ObserveExternalCall("contact_search", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, fmt.Errorf("contact search: status %d", status)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty contact search body", ErrMalformedResponse)
	}
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	// The filter is equality on the CRM side but some tenants match loosely.
	matches := sr.Results[:0]
	for _, ct := range sr.Results {
		if strings.EqualFold(strings.TrimSpace(ct.Email), email) {
			matches = append(matches, ct)
		}
	}
	return matches, nil
}

// GetAccount fetches an account by id.
func (c *Client) GetAccount(ctx context.Context, accessToken, accountID string) (*Account, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/accounts/"+url.PathEscape(accountID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	c.metrics.ObserveExternalCall("account_fetch", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrAccountNotFound
	}
	if status >= http.StatusBadRequest {
		return nil, fmt.Errorf("account fetch: status %d", status)
	}
	var acc Account
	if err := json.Unmarshal(body, &acc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if acc.ID == "" {
		acc.ID = accountID
	}
	return &acc, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("crm request failed", zap.String("url", req.URL.Path), zap.Error(err))
		return nil, 0, fmt.Errorf("crm request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read crm response: %w", err)
	}
	return body, resp.StatusCode, nil
}
