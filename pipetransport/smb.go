package pipetransport

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hirochachacha/go-smb2"
)

// ipcShare is the administrative share every named pipe is mounted under.
const ipcShare = "IPC$"

// SMBDialerConfig carries the subset of relay.Config the SMB dialer needs,
// kept separate from the root Config so pipetransport has no import-cycle
// dependency on the root package.
type SMBDialerConfig struct {
	Host        string
	Username    string
	Password    string
	Domain      string
	GuestAccess bool
	DialTimeout time.Duration
}

// smbDialer dials the remote host over TCP:445 and negotiates an SMB2
// session. There is exactly one session per Channel, never a pool.
type smbDialer struct {
	cfg SMBDialerConfig
}

// NewSMBDialer returns a Dialer backed by go-smb2 against cfg.Host.
func NewSMBDialer(cfg SMBDialerConfig) Dialer {
	return &smbDialer{cfg: cfg}
}

func (d *smbDialer) Dial(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.cfg.Host, "445")

	dialer := &net.Dialer{Timeout: d.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	initiator := &smb2.NTLMInitiator{
		User:     d.cfg.Username,
		Password: d.cfg.Password,
		Domain:   d.cfg.Domain,
	}
	if d.cfg.GuestAccess {
		initiator.User = ""
		initiator.Password = ""
	}

	sd := &smb2.Dialer{Initiator: initiator}
	session, err := sd.Dial(netConn)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("smb session setup to %s: %w", addr, err)
	}

	share, err := session.Mount(ipcShare)
	if err != nil {
		session.Logoff()
		netConn.Close()
		return nil, fmt.Errorf("mount %s on %s: %w", ipcShare, addr, err)
	}

	return &smbSession{session: session, share: share}, nil
}

// smbSession wraps a go-smb2 session+share pair to implement Session.
type smbSession struct {
	session *smb2.Session
	share   *smb2.Share
}

func (s *smbSession) OpenPipe(name string) (PipeFile, error) {
	return s.share.OpenFile(name, os.O_RDWR, 0)
}

func (s *smbSession) Close() error {
	s.share.Umount()
	return s.session.Logoff()
}

// openPipeWithRetry blocks until the pipe is available or deadline elapses,
// polling every poll interval.
func openPipeWithRetry(ctx context.Context, session Session, name string, deadline, poll time.Duration) (PipeFile, error) {
	pipePath := `\` + name
	giveUpAt := time.Now().Add(deadline)

	var lastErr error
	for {
		pf, err := session.OpenPipe(pipePath)
		if err == nil {
			return pf, nil
		}
		lastErr = err

		if time.Now().After(giveUpAt) {
			return nil, fmt.Errorf("open pipe %s: timed out after %s: %w", pipePath, deadline, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}
