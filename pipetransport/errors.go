package pipetransport

import "errors"

var (
	// ErrTransportTimeout marks a timed-out read or write. Non-fatal in
	// steady state; fatal when it occurs during the handshake.
	ErrTransportTimeout = errors.New("pipetransport: transport timeout")

	// ErrTransportClosed marks a connection that ended cleanly (EOF).
	// Expected during termination; triggers reconnect otherwise.
	ErrTransportClosed = errors.New("pipetransport: transport closed")

	// ErrHandshakeFailed marks a failed CHANNEL_SETUP / CHANNEL_SETUP_ACK
	// exchange. Fatal to the current connect attempt.
	ErrHandshakeFailed = errors.New("pipetransport: channel handshake failed")

	// ErrTerminating is returned by connect when termination was requested
	// while the handshake was in flight; Run then exits. Send reports
	// termination by returning false rather than this error.
	ErrTerminating = errors.New("pipetransport: termination requested")
)

// IoError wraps an underlying OS or SMB-library error, whether from the
// dial, the pipe opens, the handshake or the steady-state loops. Handled
// identically to ErrTransportClosed at the boundary: log, tear down,
// reconnect.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string { return "pipetransport: io: " + e.Op + ": " + e.Err.Error() }
func (e *IoError) Unwrap() error { return e.Err }

func wrapIo(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Err: err}
}
