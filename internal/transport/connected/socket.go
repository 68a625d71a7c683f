package connected

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"em-agg-sdk/internal/errs"
	"em-agg-sdk/internal/metrics"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// socket reads event frames from the exchange. Reconnection is bounded: at
// most maxRetries sequential attempts with a fixed wait between them; a
// connection that stays up past errorThreshold resets the counter.
type socket struct {
	url            string
	auth           *tokenManager
	retryWait      time.Duration
	maxRetries     int
	errorThreshold time.Duration
	log            *zap.Logger
	metrics        *metrics.Metrics

	mu   sync.Mutex
	conn *websocket.Conn
}

func newSocket(url string, auth *tokenManager, retryWait time.Duration, maxRetries int, errorThreshold time.Duration, log *zap.Logger, m *metrics.Metrics) *socket {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &socket{
		url:            url,
		auth:           auth,
		retryWait:      retryWait,
		maxRetries:     maxRetries,
		errorThreshold: errorThreshold,
		log:            log,
		metrics:        m,
	}
}

func (s *socket) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	opts := &websocket.DialOptions{}
	if s.auth != nil {
		token, err := s.auth.Token(ctx)
		if err != nil {
			return err
		}
		opts.HTTPHeader = http.Header{"Authorization": []string{"JWT " + token}}
	}
	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 22)
	s.conn = conn
	return nil
}

// Run reads frames until the context ends or the reconnect budget is spent.
func (s *socket) Run(ctx context.Context, handler func(json.RawMessage)) error {
	retries := 0
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			retries++
			if waitErr := s.backoff(ctx, retries, err); waitErr != nil {
				return waitErr
			}
			continue
		}
		connectedAt := time.Now()
		err := s.readLoop(ctx, handler)
		s.reset()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logReadLoopError(err)
		if time.Since(connectedAt) >= s.errorThreshold {
			retries = 0
		}
		retries++
		if waitErr := s.backoff(ctx, retries, err); waitErr != nil {
			return waitErr
		}
	}
}

func (s *socket) backoff(ctx context.Context, retries int, cause error) error {
	if retries > s.maxRetries {
		return fmt.Errorf("%w: websocket retry budget spent after %d attempts: %v", errs.ErrTransport, retries-1, cause)
	}
	s.metrics.Reconnects.Inc()
	if s.log != nil {
		s.log.Warn("websocket reconnecting",
			zap.Int("attempt", retries),
			zap.Int("max", s.maxRetries),
			zap.Duration("wait", s.retryWait),
			zap.Error(cause))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.retryWait):
		return nil
	}
}

func (s *socket) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (s *socket) logReadLoopError(err error) {
	if s.log == nil || err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	s.log.Warn("ws read loop ended", zap.Error(err))
}

func (s *socket) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}
