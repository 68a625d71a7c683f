package state

import "context"

// Store is a small kv cache for session records that are useful across
// runs (cached bearer token, aggregator name to uuid). It is best-effort:
// the SDK works without it, a miss just means one extra round trip.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
