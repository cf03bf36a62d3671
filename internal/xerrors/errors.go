// Package xerrors names the error taxonomy shared by the hub, the
// reconnecting client runtime and the exchange adapter, so callers can
// branch on error kind with errors.Is/errors.As instead of string
// matching.
package xerrors

import "errors"

var (
	// ErrDecode marks a malformed frame: bad JSON, wrong field count,
	// wrong type, or a source/destination that fails the identifier
	// grammar. Scope is a single message; callers log and continue.
	ErrDecode = errors.New("xerrors: decode failed")

	// ErrAuthFailed marks a rejected login. Terminal for the connection;
	// a client seeing it does not reconnect.
	ErrAuthFailed = errors.New("xerrors: authentication failed")

	// ErrAuthTimeout marks a login frame that did not arrive within the
	// hub's configured auth_timeout.
	ErrAuthTimeout = errors.New("xerrors: authentication timed out")

	// ErrUIDTaken marks a login attempt under a uid already live.
	ErrUIDTaken = errors.New("xerrors: uid already connected")

	// ErrTransientDisconnect marks an abnormal close, reset, or network
	// timeout on a link that should be retried with existing state
	// intact.
	ErrTransientDisconnect = errors.New("xerrors: transient disconnect")

	// ErrOrderlyClose marks a normal (code 1000) close or external
	// cancellation. Terminal; no reconnect.
	ErrOrderlyClose = errors.New("xerrors: orderly close")

	// ErrUpstreamExhausted marks an upstream helper giving up after
	// max_connect_retry_times.
	ErrUpstreamExhausted = errors.New("xerrors: upstream retries exhausted")

	// ErrRequestTimeout marks a strategy-client request whose response
	// never arrived within the registry's bounded wait.
	ErrRequestTimeout = errors.New("xerrors: request timed out")

	// ErrUnknownRequestID marks a response whose id has no matching
	// registry entry. Dropped with a warning, never returned to a
	// caller awaiting a different id.
	ErrUnknownRequestID = errors.New("xerrors: unknown request id")
)
