package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/grants/grant-1/token", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_at":1767225600}`))
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL)
	tok, err := c.GetToken(context.Background(), "grant-1")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, time.Unix(1767225600, 0), tok.Expiry)
}

func TestGetTokenMissingGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL)
	_, err := c.GetToken(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no grant")
}

func TestGetTokenUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL)
	_, err := c.GetToken(context.Background(), "grant-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
