package connected

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"em-agg-sdk/internal/errs"
	"em-agg-sdk/internal/state"

	"go.uber.org/zap"
)

// The token is renewed this long before its exp claim.
const tokenRefreshMargin = 30 * time.Second

// tokenManager logs in with username/password, caches the bearer token and
// renews it on a background timer. A state store, when present, carries the
// token across restarts inside its lifetime.
type tokenManager struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	store    state.Store
	log      *zap.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newTokenManager(baseURL, username, password string, timeout time.Duration, store state.Store, log *zap.Logger) *tokenManager {
	return &tokenManager{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
		store:    store,
		log:      log,
	}
}

// Token returns a bearer token valid for at least the refresh margin,
// logging in when the cached one is stale.
func (t *tokenManager) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && time.Until(t.expiry) > tokenRefreshMargin {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	if token, ok := t.loadCached(ctx); ok {
		return token, nil
	}
	return t.login(ctx)
}

func (t *tokenManager) loadCached(ctx context.Context) (string, bool) {
	record, ok, err := state.LoadToken(ctx, t.store, state.TokenKey(t.baseURL, t.username))
	if err != nil || !ok {
		return "", false
	}
	expiry := time.UnixMilli(record.ExpiryMS)
	if time.Until(expiry) <= tokenRefreshMargin {
		return "", false
	}
	t.mu.Lock()
	t.token = record.Token
	t.expiry = expiry
	t.mu.Unlock()
	return record.Token, true
}

func (t *tokenManager) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": t.username,
		"password": t.password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api-auth/login/", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", errs.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: credentials rejected for %s", errs.ErrAuth, t.username)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("%w: login http %d: %s", errs.ErrTransport, resp.StatusCode, string(body))
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: login response: %v", errs.ErrProtocol, err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("%w: login response carried no token", errs.ErrProtocol)
	}
	expiry := jwtExpiry(result.Token)
	t.mu.Lock()
	t.token = result.Token
	t.expiry = expiry
	t.mu.Unlock()
	if err := state.SaveToken(ctx, t.store, state.TokenKey(t.baseURL, t.username), state.TokenRecord{
		Token:    result.Token,
		ExpiryMS: expiry.UnixMilli(),
	}); err != nil && t.log != nil {
		t.log.Warn("token cache write failed", zap.Error(err))
	}
	return result.Token, nil
}

// RunRefresh renews the token on a timer until the context ends.
func (t *tokenManager) RunRefresh(ctx context.Context) {
	for {
		t.mu.Lock()
		expiry := t.expiry
		t.mu.Unlock()
		wait := time.Until(expiry) - tokenRefreshMargin
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := t.login(ctx); err != nil {
			if t.log != nil {
				t.log.Warn("token refresh failed", zap.Error(err))
			}
		}
	}
}

// jwtExpiry reads the exp claim out of the token payload. Tokens without a
// readable claim get a conservative one-hour lifetime.
func jwtExpiry(token string) time.Time {
	fallback := time.Now().Add(time.Hour)
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fallback
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fallback
	}
	var claims struct {
		Exp float64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return fallback
	}
	return time.Unix(int64(claims.Exp), 0)
}
