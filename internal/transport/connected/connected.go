// Package connected implements the transport against a cloud exchange:
// commands over HTTPS, the event stream over WebSocket, both authenticated
// with a bearer token that is renewed in the background.
package connected

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"em-agg-sdk/internal/config"
	"em-agg-sdk/internal/metrics"
	"em-agg-sdk/internal/state"

	"go.uber.org/zap"
)

type Session struct {
	cfg     config.APIConfig
	auth    *tokenManager
	rest    *restClient
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(cfg config.APIConfig, store state.Store, log *zap.Logger, m *metrics.Metrics) *Session {
	auth := newTokenManager(cfg.DomainName, cfg.Username, cfg.Password, cfg.Timeout, store, log)
	return &Session{
		cfg:     cfg,
		auth:    auth,
		rest:    newRESTClient(cfg.DomainName, cfg.Timeout, auth, log),
		log:     log,
		metrics: m,
	}
}

// Open performs the credential exchange. A failure here is fatal to the
// session; there is nothing to retry with the same credentials.
func (s *Session) Open(ctx context.Context) error {
	_, err := s.auth.Token(ctx)
	return err
}

// Run opens the WebSocket for the given aggregator or asset id and pumps
// frames into the handler. The token refresh timer shares the stream's
// lifetime.
func (s *Session) Run(ctx context.Context, sessionID string, handler func(json.RawMessage)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.auth.RunRefresh(ctx)
	url := fmt.Sprintf("%s/%s/%s/", strings.TrimRight(s.cfg.WebsocketDomainName, "/"), s.cfg.SimulationID, sessionID)
	sock := newSocket(url, s.auth, s.cfg.WSRetryWait, s.cfg.WSMaxConnectionRetries, s.cfg.WSErrorThreshold, s.log, s.metrics)
	return sock.Run(ctx, handler)
}

// Request posts one command. The HTTP response body is the correlated
// response on this transport.
func (s *Session) Request(ctx context.Context, areaID, endpoint string, payload map[string]any) (json.RawMessage, error) {
	path := s.commandPath(areaID, endpoint)
	if payload == nil {
		return s.rest.get(ctx, path)
	}
	return s.rest.post(ctx, path, payload)
}

// SendBatch posts the rendered batch. The POST is acknowledgement-only;
// the batch response arrives on the event stream.
func (s *Session) SendBatch(ctx context.Context, aggregatorID string, payload []byte) error {
	_ = aggregatorID
	path := fmt.Sprintf("/external-connection/aggregator-api/%s/batch-commands/", s.cfg.SimulationID)
	_, err := s.rest.post(ctx, path, json.RawMessage(payload))
	return err
}

func (s *Session) commandPath(areaID, endpoint string) string {
	if areaID == "" {
		return fmt.Sprintf("/external-connection/aggregator-api/%s/%s/", s.cfg.SimulationID, endpoint)
	}
	return fmt.Sprintf("/external-connection/api/%s/%s/%s/", s.cfg.SimulationID, areaID, endpoint)
}

func (s *Session) Close() error {
	return nil
}
