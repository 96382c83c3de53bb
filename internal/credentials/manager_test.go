package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/member-portal/backend/internal/crm"
	"github.com/member-portal/backend/internal/models"
)

type fakeStore struct {
	mu   sync.Mutex
	cred *models.ExternalCredential
	// beforeUpdate runs inside UpdateIfUnchanged to simulate a concurrent writer.
	beforeUpdate func(c *models.ExternalCredential)
}

func (s *fakeStore) Get(_ context.Context, _ string) (*models.ExternalCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *fakeStore) UpdateIfUnchanged(_ context.Context, _ string, prev time.Time, next models.ExternalCredential) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeUpdate != nil {
		s.beforeUpdate(s.cred)
	}
	if s.cred == nil || !s.cred.ExpiresAt.Equal(prev) {
		return false, nil
	}
	c := next
	s.cred = &c
	return true, nil
}

type countingRefresher struct {
	calls atomic.Int32
	now   time.Time
	err   error
	delay time.Duration
}

func (r *countingRefresher) Configured() bool { return true }

func (r *countingRefresher) RefreshToken(_ context.Context, refreshToken string) (*crm.Token, error) {
	n := r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &crm.Token{
		AccessToken:  "access-" + string(rune('0'+n)),
		RefreshToken: refreshToken + "-rotated",
		ExpiresAt:    r.now.Add(time.Hour),
	}, nil
}

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(store Store, ref Refresher) *Manager {
	m := NewManager(store, ref, nil, Options{Integration: "crm", Skew: time.Minute}, nil, nil)
	m.now = func() time.Time { return testNow }
	return m
}

func TestGetValidAccessToken_CachedWhileValid(t *testing.T) {
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "cached", RefreshToken: "rt", ExpiresAt: testNow.Add(30 * time.Minute)}}
	ref := &countingRefresher{now: testNow}
	m := newTestManager(store, ref)

	tok1, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	tok2, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "cached", tok1)
	assert.Equal(t, tok1, tok2)
	assert.EqualValues(t, 0, ref.calls.Load())
}

func TestGetValidAccessToken_RefreshesOnceThenCaches(t *testing.T) {
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "old", RefreshToken: "rt", ExpiresAt: testNow.Add(-time.Minute)}}
	ref := &countingRefresher{now: testNow}
	m := newTestManager(store, ref)

	tok1, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	tok2, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "access-1", tok1)
	assert.Equal(t, tok1, tok2)
	assert.EqualValues(t, 1, ref.calls.Load())
	assert.Equal(t, "rt-rotated", store.cred.RefreshToken)
}

func TestGetValidAccessToken_RefreshesInsideSkewWindow(t *testing.T) {
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "old", RefreshToken: "rt", ExpiresAt: testNow.Add(30 * time.Second)}}
	ref := &countingRefresher{now: testNow}
	m := newTestManager(store, ref)

	tok, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
}

func TestGetValidAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "old", RefreshToken: "rt", ExpiresAt: testNow.Add(-time.Minute)}}
	ref := &countingRefresher{now: testNow, delay: 50 * time.Millisecond}
	m := newTestManager(store, ref)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidAccessToken(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ref.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "access-1", tok)
	}
}

func TestGetValidAccessToken_LostRaceUsesStoredToken(t *testing.T) {
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "old", RefreshToken: "rt", ExpiresAt: testNow.Add(-time.Minute)}}
	store.beforeUpdate = func(c *models.ExternalCredential) {
		c.AccessToken = "winner"
		c.ExpiresAt = testNow.Add(2 * time.Hour)
	}
	ref := &countingRefresher{now: testNow}
	m := newTestManager(store, ref)

	tok, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "winner", tok)
}

func TestGetValidAccessToken_LostRaceToStaleRowFails(t *testing.T) {
	// GIVEN: a concurrent writer moves the expiry but leaves the row expired
	// WHEN: our refresh tries to persist
	// THEN: the unpersisted token is not handed out
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "old", RefreshToken: "rt", ExpiresAt: testNow.Add(-time.Minute)}}
	store.beforeUpdate = func(c *models.ExternalCredential) {
		c.ExpiresAt = testNow.Add(-30 * time.Second)
	}
	m := newTestManager(store, &countingRefresher{now: testNow})

	tok, err := m.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Empty(t, tok)
	assert.Equal(t, "old", store.cred.AccessToken)
	assert.Equal(t, "rt", store.cred.RefreshToken)
}

type ctxRecordingRefresher struct {
	countingRefresher
	ctxErr error
}

func (r *ctxRecordingRefresher) RefreshToken(ctx context.Context, refreshToken string) (*crm.Token, error) {
	r.ctxErr = ctx.Err()
	return r.countingRefresher.RefreshToken(ctx, refreshToken)
}

func TestGetValidAccessToken_RefreshOutlivesCancelledCaller(t *testing.T) {
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "old", RefreshToken: "rt", ExpiresAt: testNow.Add(-time.Minute)}}
	ref := &ctxRecordingRefresher{countingRefresher: countingRefresher{now: testNow}}
	m := newTestManager(store, ref)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok, err := m.GetValidAccessToken(ctx)
	require.NoError(t, err)
	assert.NoError(t, ref.ctxErr)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, "access-1", store.cred.AccessToken)
}

func TestGetValidAccessToken_Unavailable(t *testing.T) {
	m := newTestManager(&fakeStore{}, &countingRefresher{now: testNow})
	_, err := m.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestGetValidAccessToken_RefreshRejected(t *testing.T) {
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "old", RefreshToken: "rt", ExpiresAt: testNow.Add(-time.Minute)}}
	ref := &countingRefresher{now: testNow, err: errors.New("crm token refresh rejected: invalid_grant")}
	m := newTestManager(store, ref)

	_, err := m.GetValidAccessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Contains(t, err.Error(), "invalid_grant")
	assert.Equal(t, "old", store.cred.AccessToken)
}

func TestGetValidAccessToken_NotConfigured(t *testing.T) {
	m := NewManager(&fakeStore{}, crm.NewClient(crm.Config{}, nil, nil), nil, Options{}, nil, nil)
	_, err := m.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (func(context.Context), bool, error) {
	return func(context.Context) {}, false, nil
}

func TestGetValidAccessToken_WaitsForOtherProcess(t *testing.T) {
	store := &fakeStore{cred: &models.ExternalCredential{Integration: "crm", AccessToken: "old", RefreshToken: "rt", ExpiresAt: testNow.Add(-time.Minute)}}
	ref := &countingRefresher{now: testNow}
	m := NewManager(store, ref, busyLocker{}, Options{Integration: "crm", WaitPoll: 10 * time.Millisecond, WaitBudget: time.Second}, nil, nil)
	m.now = func() time.Time { return testNow }

	go func() {
		time.Sleep(30 * time.Millisecond)
		store.mu.Lock()
		store.cred.AccessToken = "from-other-process"
		store.cred.ExpiresAt = testNow.Add(time.Hour)
		store.mu.Unlock()
	}()

	tok, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-other-process", tok)
	assert.EqualValues(t, 0, ref.calls.Load())
}
