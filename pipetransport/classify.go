package pipetransport

import (
	"errors"
	"io"
)

var errShortWrite = errors.New("pipetransport: short write")

// classifyReadErr maps an underlying pipe I/O error onto the transport's
// taxonomy: a clean EOF is ErrTransportClosed (expected at shutdown,
// otherwise triggers reconnect); anything else is wrapped as an IoError.
func classifyReadErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return ErrTransportClosed
	}
	return wrapIo("pipe io", err)
}
