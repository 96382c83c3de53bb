package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:      srv.URL + "/api/",
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "client",
		ClientSecret: "secret",
		Timeout:      2 * time.Second,
	}, nil, nil)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestRefreshToken_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-2", "expires_in": 3600, "refresh_token": "rt-2"})
	})
	c := newTestClient(t, mux)

	tok, err := c.RefreshToken(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)
	assert.Equal(t, "rt-2", tok.RefreshToken)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), tok.ExpiresAt)
}

func TestRefreshToken_RejectedCarriesRemoteMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant", "error_description": "token revoked"})
	})
	c := newTestClient(t, mux)

	_, err := c.RefreshToken(context.Background(), "rt-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTokenRejected))
	assert.Contains(t, err.Error(), "invalid_grant: token revoked")
}

func TestFindContactsByEmail_FiltersToExactEmail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/contacts/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Filters, 1)
		assert.Equal(t, "email", req.Filters[0].Field)
		_ = json.NewEncoder(w).Encode(searchResponse{Results: []Contact{
			{ID: "c1", Email: "Ada@Acme.org", FirstName: "Ada", Account: &AccountRef{ID: "acc-1"}},
			{ID: "c2", Email: "other@acme.org"},
		}})
	})
	c := newTestClient(t, mux)

	got, err := c.FindContactsByEmail(context.Background(), "at-1", "ada@acme.org")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "acc-1", got[0].AccountID())
}

func TestFindContactsByEmail_NonJSONBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/contacts/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway</html>"))
	})
	c := newTestClient(t, mux)

	_, err := c.FindContactsByEmail(context.Background(), "at-1", "x@y.org")
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestGetAccount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/acc-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"acc-1","name":"Acme","training_fund_balance":1250.5,"training_fund_eligible":true}`))
	})
	mux.HandleFunc("/api/accounts/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	acc, err := c.GetAccount(context.Background(), "at-1", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", acc.Name)
	assert.Equal(t, "1250.5", acc.TrainingFundBalance.String())
	assert.True(t, acc.TrainingFundEligible)

	_, err = c.GetAccount(context.Background(), "at-1", "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(Config{}, nil, nil)
	assert.False(t, c.Configured())
	_, err := c.RefreshToken(context.Background(), "rt")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
