package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/plumesky/session-agent/internal/errors"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *XRPCClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewXRPCClient(srv.URL, 5*time.Second)
}

func TestCreateSession_Success(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, createSessionPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"), "login carries no bearer token")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice.test", body["identifier"])
		assert.Equal(t, "app-pass", body["password"])

		json.NewEncoder(w).Encode(SessionInfo{
			AccessJwt:  "first-access",
			RefreshJwt: "first-refresh",
			Handle:     "alice.test",
			DID:        "did:plc:alice",
			Active:     true,
		})
	})

	info, err := c.CreateSession(context.Background(), "alice.test", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", info.DID)

	// The minted pair is installed for subsequent calls.
	access, refresh := c.tokens()
	assert.Equal(t, "first-access", access)
	assert.Equal(t, "first-refresh", refresh)
}

func TestCreateSession_BadPassword(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(xrpcError{Error: "AuthenticationRequired", Message: "Invalid identifier or password"})
	})

	_, err := c.CreateSession(context.Background(), "alice.test", "wrong")
	assert.True(t, serrors.IsAuth(err))
	assert.False(t, serrors.IsRetryable(err))

	access, refresh := c.tokens()
	assert.Empty(t, access)
	assert.Empty(t, refresh)
}

func TestRefreshSession_Success(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, refreshSessionPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		// The refresh token authenticates the refresh call.
		assert.Equal(t, "Bearer old-refresh", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(SessionInfo{
			AccessJwt:  "new-access",
			RefreshJwt: "new-refresh",
			Handle:     "alice.test",
			DID:        "did:plc:alice",
			Active:     true,
		})
	})
	c.ResumeSession("old-access", "old-refresh")

	info, err := c.RefreshSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", info.AccessJwt)
	assert.Equal(t, "did:plc:alice", info.DID)

	// The client now holds the rotated pair.
	access, refresh := c.tokens()
	assert.Equal(t, "new-access", access)
	assert.Equal(t, "new-refresh", refresh)
}

func TestRefreshSession_ExpiredToken(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(xrpcError{Error: "ExpiredToken", Message: "token has expired"})
	})
	c.ResumeSession("a", "r")

	_, err := c.RefreshSession(context.Background())
	assert.True(t, serrors.IsAuth(err), "expected auth error, got %v", err)
	assert.False(t, serrors.IsRetryable(err))
}

func TestRefreshSession_Unauthorized(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c.ResumeSession("a", "r")

	_, err := c.RefreshSession(context.Background())
	assert.True(t, serrors.IsAuth(err))
}

func TestRefreshSession_ServerErrorIsTransient(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c.ResumeSession("a", "r")

	_, err := c.RefreshSession(context.Background())
	assert.True(t, serrors.IsRetryable(err), "5xx must be retryable, got %v", err)
	assert.False(t, serrors.IsAuth(err))
}

func TestRefreshSession_NoRefreshToken(t *testing.T) {
	c := NewXRPCClient("http://localhost:0", time.Second)
	_, err := c.RefreshSession(context.Background())
	assert.True(t, serrors.IsAuth(err))
}

func TestProbe_UsesAccessToken(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, getSessionPath, r.URL.Path)
		assert.Equal(t, "Bearer my-access", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(SessionInfo{DID: "did:plc:alice", Active: true})
	})
	c.ResumeSession("my-access", "my-refresh")

	info, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Active)
}

func TestProbe_AbsentActiveMeansActive(t *testing.T) {
	// getSession marks active as optional; a 200 response that omits it
	// describes a live session and must not read as invalid.
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"did":"did:plc:alice","handle":"alice.test"}`))
	})
	c.ResumeSession("my-access", "my-refresh")

	info, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Active)
}

func TestProbe_ExplicitInactive(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"did":"did:plc:alice","active":false,"status":"takendown"}`))
	})
	c.ResumeSession("my-access", "my-refresh")

	info, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Active)
}

func TestProbe_NetworkFailureIsTransient(t *testing.T) {
	c := NewXRPCClient("http://127.0.0.1:1", 100*time.Millisecond)
	c.ResumeSession("a", "r")

	_, err := c.Probe(context.Background())
	assert.True(t, serrors.IsRetryable(err))
}

func TestLogout_ClearsTokens(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, deleteSessionPath, r.URL.Path)
		json.NewEncoder(w).Encode(SessionInfo{})
	})
	c.ResumeSession("a", "r")

	require.NoError(t, c.Logout(context.Background()))
	access, refresh := c.tokens()
	assert.Empty(t, access)
	assert.Empty(t, refresh)
}

func TestLogout_NoSessionIsNoop(t *testing.T) {
	c := NewXRPCClient("http://localhost:0", time.Second)
	assert.NoError(t, c.Logout(context.Background()))
}
