package sqlite

import (
	"bytes"
	"context"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", []byte("value")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || !bytes.Equal(val, []byte("value")) {
		t.Fatalf("unexpected value: %q (ok=%v)", val, ok)
	}
	if err := store.Set(ctx, "key", []byte("updated")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, _ = store.Get(ctx, "key")
	if !ok || !bytes.Equal(val, []byte("updated")) {
		t.Fatalf("expected overwritten value, got %q", val)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}
