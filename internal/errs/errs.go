// Package errs defines the stable error kinds surfaced by the SDK.
// Callers match them with errors.Is; components wrap them with context.
package errs

import "errors"

var (
	// ErrAuth means credentials were rejected. Fatal to the session.
	ErrAuth = errors.New("authentication failed")

	// ErrTransport covers unreachable endpoints, exhausted reconnects and
	// use of a closed session.
	ErrTransport = errors.New("transport error")

	// ErrProtocol marks a malformed inbound frame or a response without a
	// known transaction id. Logged and discarded; the session continues.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout means no response arrived within the command's deadline.
	ErrTimeout = errors.New("response timeout")

	// ErrNotSelected means a batch referenced an asset that has not
	// selected this aggregator. Raised before anything is transmitted.
	ErrNotSelected = errors.New("asset not selected by aggregator")

	// ErrUnknownArea means an area name lookup failed or was ambiguous.
	ErrUnknownArea = errors.New("unknown or ambiguous area")

	// ErrServerReported means the exchange answered with status "error".
	ErrServerReported = errors.New("server reported error")
)
