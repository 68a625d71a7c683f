package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"em-agg-sdk/internal/errs"
)

// Default deadlines for correlated responses. Registration is allowed much
// longer because the exchange may only answer once the simulation starts.
const (
	DefaultResponseTimeout = 120 * time.Second
	RegistrationTimeout    = 15 * time.Minute
)

type pendingResult struct {
	msg json.RawMessage
	err error
}

type pendingEntry struct {
	command string
	ch      chan pendingResult
}

// PendingTable correlates outbound commands with their asynchronous
// responses by transaction id. Entries live from send until the caller
// consumes the result, times out, or the transport closes.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	closed  error
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]*pendingEntry)}
}

// Register creates the pending entry for a fresh transaction id. It must be
// called before the command is sent so the response cannot race the table.
func (t *PendingTable) Register(transactionID, command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}
	if _, exists := t.entries[transactionID]; exists {
		return fmt.Errorf("%w: duplicate transaction id %s", errs.ErrProtocol, transactionID)
	}
	t.entries[transactionID] = &pendingEntry{
		command: command,
		ch:      make(chan pendingResult, 1),
	}
	return nil
}

// Resolve completes the pending entry matching the transaction id. It
// reports false when no entry matches; the caller logs and discards.
func (t *PendingTable) Resolve(transactionID string, msg json.RawMessage) bool {
	t.mu.Lock()
	entry, ok := t.entries[transactionID]
	if ok {
		delete(t.entries, transactionID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- pendingResult{msg: msg}
	return true
}

// Discard drops an entry without completing it.
func (t *PendingTable) Discard(transactionID string) {
	t.mu.Lock()
	delete(t.entries, transactionID)
	t.mu.Unlock()
}

// Wait blocks until the entry resolves or the deadline passes.
func (t *PendingTable) Wait(ctx context.Context, command, transactionID string, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	entry, ok := t.entries[transactionID]
	closed := t.closed
	t.mu.Unlock()
	if !ok {
		if closed != nil {
			return nil, closed
		}
		return nil, fmt.Errorf("%w: no pending transaction %s", errs.ErrProtocol, transactionID)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-entry.ch:
		if result.err != nil {
			return nil, result.err
		}
		return result.msg, nil
	case <-timer.C:
		t.Discard(transactionID)
		return nil, fmt.Errorf("%w: no response to %s (transaction %s) within %s", errs.ErrTimeout, command, transactionID, timeout)
	case <-ctx.Done():
		t.Discard(transactionID)
		return nil, fmt.Errorf("%w: %v", errs.ErrTransport, ctx.Err())
	}
}

// FailAll fails every in-flight entry and rejects later registrations.
// Called when the transport closes; commands are never implicitly resent.
func (t *PendingTable) FailAll(err error) {
	if err == nil {
		err = fmt.Errorf("%w: connection closed", errs.ErrTransport)
	}
	t.mu.Lock()
	t.closed = err
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()
	for _, entry := range entries {
		entry.ch <- pendingResult{err: err}
	}
}
