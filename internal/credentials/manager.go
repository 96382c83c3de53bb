package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/member-portal/backend/internal/crm"
	"github.com/member-portal/backend/internal/metrics"
	"github.com/member-portal/backend/internal/models"
)

var (
	// ErrConfigurationMissing is returned when the external integration is not configured.
	ErrConfigurationMissing = errors.New("external integration not configured")
	// ErrCredentialUnavailable is returned when no credential row exists; an operator must
	// complete the initial authorization.
	ErrCredentialUnavailable = errors.New("external credential unavailable")
	// ErrRefreshFailed is returned when the token endpoint rejects the refresh.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// Store persists the credential row.
type Store interface {
	Get(ctx context.Context, integration string) (*models.ExternalCredential, error)
	UpdateIfUnchanged(ctx context.Context, integration string, prevExpiresAt time.Time, next models.ExternalCredential) (bool, error)
}

// Refresher exchanges a refresh token at the external token endpoint.
type Refresher interface {
	Configured() bool
	RefreshToken(ctx context.Context, refreshToken string) (*crm.Token, error)
}

// Locker serializes refreshes across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), acquired bool, err error)
}

// Options tune the manager.
type Options struct {
	Integration string
	Skew        time.Duration // refresh this long before expiry
	LockTTL     time.Duration
	WaitPoll    time.Duration // poll interval while another process refreshes
	WaitBudget  time.Duration // give up waiting after this long
}

func (o *Options) defaults() {
	if o.Integration == "" {
		o.Integration = "crm"
	}
	if o.Skew < 0 {
		o.Skew = 0
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 15 * time.Second
	}
	if o.WaitPoll <= 0 {
		o.WaitPoll = 200 * time.Millisecond
	}
	if o.WaitBudget <= 0 {
		o.WaitBudget = 10 * time.Second
	}
}

// Manager hands out a valid access token, refreshing it at most once per expiry.
type Manager struct {
	store     Store
	refresher Refresher
	locker    Locker
	opts      Options
	group     singleflight.Group
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates a credential lifecycle manager. locker may be nil for single-process use.
func NewManager(store Store, refresher Refresher, locker Locker, opts Options, rec *metrics.Recorder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	return &Manager{
		store:     store,
		refresher: refresher,
		locker:    locker,
		opts:      opts,
		metrics:   rec,
		logger:    logger,
		now:       time.Now,
	}
}

// GetValidAccessToken returns the cached access token while it is valid, refreshing it otherwise.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	if m.refresher == nil || !m.refresher.Configured() {
		return "", ErrConfigurationMissing
	}
	cred, err := m.store.Get(ctx, m.opts.Integration)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return "", ErrCredentialUnavailable
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}
	v, err, _ := m.group.Do(m.opts.Integration, func() (interface{}, error) {
		// The flight is shared, so it must not die with whichever caller started it.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LockTTL)
		defer cancel()
		return m.refresh(refreshCtx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) fresh(c *models.ExternalCredential) bool {
	return c.AccessToken != "" && m.now().Add(m.opts.Skew).Before(c.ExpiresAt)
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	if m.locker != nil {
		release, acquired, err := m.locker.Acquire(ctx, "credential-refresh:"+m.opts.Integration, m.opts.LockTTL)
		switch {
		case err != nil:
			// The conditional update below still prevents a lost write.
			m.logger.Warn("refresh lock unavailable", zap.String("integration", m.opts.Integration), zap.Error(err))
		case !acquired:
			return m.waitForRefresh(ctx)
		default:
			defer release(context.Background())
		}
	}

	cred, err := m.store.Get(ctx, m.opts.Integration)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return "", ErrCredentialUnavailable
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}

	tok, err := m.refresher.RefreshToken(ctx, cred.RefreshToken)
	m.metrics.CredentialRefresh(err)
	if err != nil {
		if errors.Is(err, crm.ErrNotConfigured) {
			return "", ErrConfigurationMissing
		}
		m.logger.Error("credential refresh failed", zap.String("integration", m.opts.Integration), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	next := models.ExternalCredential{
		Integration:  m.opts.Integration,
		AccessToken:  tok.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	updated, err := m.store.UpdateIfUnchanged(ctx, m.opts.Integration, cred.ExpiresAt, next)
	if err != nil {
		return "", fmt.Errorf("persist credential: %w", err)
	}
	if !updated {
		latest, err := m.store.Get(ctx, m.opts.Integration)
		if err == nil && latest != nil && m.fresh(latest) {
			m.logger.Info("credential refreshed concurrently, using stored token", zap.String("integration", m.opts.Integration))
			return latest.AccessToken, nil
		}
		m.logger.Warn("refreshed credential lost the update race", zap.String("integration", m.opts.Integration))
		return "", fmt.Errorf("%w: credential changed during refresh", ErrRefreshFailed)
	}
	m.logger.Info("credential refreshed", zap.String("integration", m.opts.Integration), zap.Time("expires_at", tok.ExpiresAt))
	return tok.AccessToken, nil
}

// waitForRefresh polls the store while another process holds the refresh lock.
func (m *Manager) waitForRefresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.WaitBudget)
	defer cancel()
	ticker := time.NewTicker(m.opts.WaitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: timed out waiting for concurrent refresh", ErrRefreshFailed)
		case <-ticker.C:
			cred, err := m.store.Get(ctx, m.opts.Integration)
			if err != nil {
				return "", fmt.Errorf("load credential: %w", err)
			}
			if cred == nil {
				return "", ErrCredentialUnavailable
			}
			if m.fresh(cred) {
				return cred.AccessToken, nil
			}
		}
	}
}
