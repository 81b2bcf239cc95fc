package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	serrors "github.com/plumesky/session-agent/internal/errors"
)

const (
	createSessionPath  = "/xrpc/com.atproto.server.createSession"
	refreshSessionPath = "/xrpc/com.atproto.server.refreshSession"
	getSessionPath     = "/xrpc/com.atproto.server.getSession"
	deleteSessionPath  = "/xrpc/com.atproto.server.deleteSession"
)

// xrpcError mirrors the XRPC error response body.
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// XRPCClient is the HTTP implementation of Client against an AT Protocol
// personal data server.
type XRPCClient struct {
	serviceURL string
	httpClient *http.Client

	mu         sync.RWMutex
	accessJwt  string
	refreshJwt string
}

// NewXRPCClient creates a client for the given service URL.
func NewXRPCClient(serviceURL string, timeout time.Duration) *XRPCClient {
	return &XRPCClient{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewFactory returns a Factory producing XRPC clients.
func NewFactory() Factory {
	return func(serviceURL string, timeout time.Duration) Client {
		return NewXRPCClient(serviceURL, timeout)
	}
}

// CreateSession authenticates with an identifier (handle or DID) and an app
// password, installing the minted token pair on success.
func (c *XRPCClient) CreateSession(ctx context.Context, identifier, password string) (SessionInfo, error) {
	body, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		return SessionInfo{}, fmt.Errorf("encoding createSession request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURL+createSessionPath, bytes.NewReader(body))
	if err != nil {
		return SessionInfo{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	info, err := c.do(req, "com.atproto.server.createSession")
	if err != nil {
		return SessionInfo{}, err
	}
	c.mu.Lock()
	c.accessJwt = info.AccessJwt
	c.refreshJwt = info.RefreshJwt
	c.mu.Unlock()
	return info, nil
}

func (c *XRPCClient) ResumeSession(access, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessJwt = access
	c.refreshJwt = refresh
}

func (c *XRPCClient) tokens() (access, refresh string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessJwt, c.refreshJwt
}

// RefreshSession exchanges the refresh token for a new pair. The refresh
// token authenticates this call, not the access token.
func (c *XRPCClient) RefreshSession(ctx context.Context) (SessionInfo, error) {
	_, refresh := c.tokens()
	if refresh == "" {
		return SessionInfo{}, serrors.NewAuthError("", "NoRefreshToken", nil)
	}
	info, err := c.call(ctx, http.MethodPost, refreshSessionPath, refresh)
	if err != nil {
		return SessionInfo{}, err
	}
	c.mu.Lock()
	c.accessJwt = info.AccessJwt
	c.refreshJwt = info.RefreshJwt
	c.mu.Unlock()
	return info, nil
}

// Probe validates the current access token with a cheap authenticated call.
func (c *XRPCClient) Probe(ctx context.Context) (SessionInfo, error) {
	access, _ := c.tokens()
	if access == "" {
		return SessionInfo{}, serrors.NewAuthError("", "NoAccessToken", nil)
	}
	return c.call(ctx, http.MethodGet, getSessionPath, access)
}

// Logout revokes the session remotely using the refresh token.
func (c *XRPCClient) Logout(ctx context.Context) error {
	_, refresh := c.tokens()
	if refresh == "" {
		return nil
	}
	_, err := c.call(ctx, http.MethodPost, deleteSessionPath, refresh)
	c.mu.Lock()
	c.accessJwt = ""
	c.refreshJwt = ""
	c.mu.Unlock()
	return err
}

func (c *XRPCClient) CloseIdle() {
	c.httpClient.CloseIdleConnections()
}

func (c *XRPCClient) call(ctx context.Context, method, path, bearer string) (SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.serviceURL+path, nil)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	return c.do(req, strings.TrimPrefix(path, "/xrpc/"))
}

func (c *XRPCClient) do(req *http.Request, op string) (SessionInfo, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SessionInfo{}, serrors.NewTransientError(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		// The lexicon marks active as optional; a response that omits it
		// describes an active session.
		var wire struct {
			AccessJwt  string `json:"accessJwt"`
			RefreshJwt string `json:"refreshJwt"`
			Handle     string `json:"handle"`
			DID        string `json:"did"`
			Active     *bool  `json:"active"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return SessionInfo{}, fmt.Errorf("decoding %s response: %w", op, err)
		}
		return SessionInfo{
			AccessJwt:  wire.AccessJwt,
			RefreshJwt: wire.RefreshJwt,
			Handle:     wire.Handle,
			DID:        wire.DID,
			Active:     wire.Active == nil || *wire.Active,
		}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var xe xrpcError
	_ = json.Unmarshal(body, &xe)

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusBadRequest && isAuthCode(xe.Error):
		code := xe.Error
		if code == "" {
			code = "Unauthorized"
		}
		return SessionInfo{}, serrors.NewAuthError("", code, fmt.Errorf("%s: %s", op, xe.Message))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return SessionInfo{}, serrors.NewTransientError(op, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	default:
		return SessionInfo{}, fmt.Errorf("%s failed (status %d): %s", op, resp.StatusCode, body)
	}
}

// isAuthCode reports whether an XRPC error code names a credential problem.
func isAuthCode(code string) bool {
	switch code {
	case "ExpiredToken", "InvalidToken", "AuthenticationRequired", "AccountTakedown":
		return true
	}
	return false
}
