// Package transport abstracts how the SDK talks to the exchange. Two
// implementations exist: the connected session (REST + WebSocket against a
// cloud exchange) and the Redis pub/sub bus for a co-located exchange. A
// strategy written against the SDK runs unchanged on either.
package transport

import (
	"context"
	"encoding/json"
)

// Transport is the session-level adapter. Payloads are identical across
// implementations; only the envelope and the delivery mechanics differ.
// Nothing transport-specific leaks into user-visible types.
type Transport interface {
	// Open establishes connectivity (credential exchange on the connected
	// session, a ping on Redis). It must be called before anything else.
	Open(ctx context.Context) error

	// Run pumps the event stream for the given aggregator or asset id into
	// the handler until the context ends or the reconnect budget is spent.
	Run(ctx context.Context, sessionID string, handler func(json.RawMessage)) error

	// Request sends one command for an area and returns the correlated
	// response. An empty area id addresses the aggregator management API.
	Request(ctx context.Context, areaID, endpoint string, payload map[string]any) (json.RawMessage, error)

	// SendBatch ships a rendered batch payload. The batch response arrives
	// on the event stream and is correlated by the dispatcher.
	SendBatch(ctx context.Context, aggregatorID string, payload []byte) error

	Close() error
}
