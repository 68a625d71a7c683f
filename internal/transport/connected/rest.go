package connected

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"em-agg-sdk/internal/errs"

	"go.uber.org/zap"
)

// restClient posts commands against the external-connection API with the
// bearer token attached.
type restClient struct {
	baseURL string
	http    *http.Client
	auth    *tokenManager
	log     *zap.Logger
}

func newRESTClient(baseURL string, connectTimeout time.Duration, auth *tokenManager, log *zap.Logger) *restClient {
	// The exchange holds a command's HTTP response open until the command
	// resolves, so the caller's context bounds each request; a client-wide
	// timeout would cap registration waits. The connect timeout only guards
	// dial and TLS handshake.
	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
		auth: auth,
		log:  log,
	}
}

func (c *restClient) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *restClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *restClient) do(req *http.Request) (json.RawMessage, error) {
	token, err := c.auth.Token(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "JWT "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: token rejected for %s", errs.ErrAuth, req.URL.Path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: http %d: %s", errs.ErrTransport, resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	return json.RawMessage(data), nil
}
