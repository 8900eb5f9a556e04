// Package pipetransport implements the dual-pipe channel: two named-pipe
// instances opened to the same name on the same remote host, bound into
// one logical duplex message stream by a CHANNEL_SETUP/CHANNEL_SETUP_ACK
// handshake.
package pipetransport

import "context"

// PipeFile abstracts a single named-pipe instance opened over SMB. It is
// kept narrow so a fake can drive the transport's tests without a real
// SMB stack.
type PipeFile interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// Session abstracts an SMB session bound to one remote host, capable of
// opening independent pipe instances to the same name — the two instances
// the handshake needs are opened in sequence against the same Session.
type Session interface {
	OpenPipe(name string) (PipeFile, error)
	Close() error
}

// Dialer establishes a Session against the configured remote host.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
