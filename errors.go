package relay

import (
	"errors"
	"fmt"

	"github.com/smbsocks/relay/pipetransport"
	"github.com/smbsocks/relay/protocol"
)

// DecodeError reports protocol corruption found while parsing a frame. It
// is an alias of protocol.DecodeError so callers throughout the module
// share one type instead of wrapping it again at every layer.
type DecodeError = protocol.DecodeError

// DecodeErrorKind classifies a DecodeError. See protocol.DecodeErrorKind.
type DecodeErrorKind = protocol.DecodeErrorKind

// IoError wraps an underlying OS or SMB-library error. It is handled
// identically to ErrTransportClosed at the transport boundary: log, tear
// down, reconnect. Alias of pipetransport.IoError so callers of this
// package can classify errors returned from the transport without importing
// pipetransport's package path directly.
type IoError = pipetransport.IoError

var (
	// ErrTransportTimeout marks a timed-out read or write. Non-fatal in
	// steady state (the caller simply retries) but fatal during handshake.
	ErrTransportTimeout = pipetransport.ErrTransportTimeout

	// ErrTransportClosed marks a connection that ended cleanly (EOF,
	// graceful shutdown). Expected during termination; triggers a
	// reconnect otherwise.
	ErrTransportClosed = pipetransport.ErrTransportClosed

	// ErrChannelHandshakeFailed marks a failed CHANNEL_SETUP /
	// CHANNEL_SETUP_ACK exchange. Fatal to the current connect attempt.
	ErrChannelHandshakeFailed = pipetransport.ErrHandshakeFailed

	// ErrTerminating is returned by the transport's connect step when
	// termination was requested while the handshake was in flight. Send
	// reports termination by returning false rather than this error.
	ErrTerminating = pipetransport.ErrTerminating
)

// ConfigError marks invalid user input discovered at construction time. It
// is surfaced to the caller and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("relay: invalid config: %s: %s", e.Field, e.Reason)
}

func newConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// isRetryable reports whether err indicates a transient failure that a
// reconnect can plausibly recover from. Decode errors and config errors
// never are; transport timeouts, transport-closed, wrapped I/O errors, and
// net.Error timeouts all are.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var de *DecodeError
	if errors.As(err, &de) {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}

	if errors.Is(err, ErrTransportTimeout) || errors.Is(err, ErrTransportClosed) {
		return true
	}

	var ioErr *IoError
	if errors.As(err, &ioErr) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
