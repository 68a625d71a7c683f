package state

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
)

// TokenRecord caches the bearer token so restarts inside its lifetime skip
// one login round trip.
type TokenRecord struct {
	Token    string `msgpack:"token"`
	ExpiryMS int64  `msgpack:"expiry_ms"`
}

// AggregatorRecord remembers the uuid the exchange assigned to a named
// aggregator in a simulation.
type AggregatorRecord struct {
	UUID        string `msgpack:"uuid"`
	UpdatedAtMS int64  `msgpack:"updated_at_ms"`
}

func TokenKey(domain, username string) string {
	return "auth:" + domain + ":" + username
}

func AggregatorKey(simulationID, name string) string {
	return "aggregator:" + simulationID + ":" + name
}

func LoadToken(ctx context.Context, store Store, key string) (TokenRecord, bool, error) {
	var record TokenRecord
	ok, err := load(ctx, store, key, &record)
	return record, ok, err
}

func SaveToken(ctx context.Context, store Store, key string, record TokenRecord) error {
	return save(ctx, store, key, record)
}

func LoadAggregator(ctx context.Context, store Store, key string) (AggregatorRecord, bool, error) {
	var record AggregatorRecord
	ok, err := load(ctx, store, key, &record)
	return record, ok, err
}

func SaveAggregator(ctx context.Context, store Store, key string, record AggregatorRecord) error {
	return save(ctx, store, key, record)
}

func load(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok || len(raw) == 0 {
		return false, err
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func save(ctx context.Context, store Store, key string, record any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, payload)
}
