package relay

import (
	"context"
	"sync"
	"time"

	"github.com/smbsocks/relay/bridge"
	"github.com/smbsocks/relay/pipetransport"
	"github.com/smbsocks/relay/protoclient"
	"github.com/smbsocks/relay/protocol"
	"github.com/smbsocks/relay/tcpreactor"
)

// Relay wires the transport, proto client, TCP reactor and bridge together
// from a Config.
type Relay struct {
	cfg *Config

	channel *pipetransport.Channel
	proto   *protoclient.Client
	reactor *tcpreactor.Reactor
	bridge  *bridge.Bridge

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New validates cfg and constructs a Relay ready to Run.
func New(cfg *Config) (*Relay, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialer := pipetransport.NewSMBDialer(pipetransport.SMBDialerConfig{
		Host:        cfg.Host,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Domain:      cfg.Domain,
		GuestAccess: cfg.GuestAccess,
		DialTimeout: cfg.HandshakeTimeout,
	})

	channel := pipetransport.New(dialer, pipetransport.Config{
		PipeName:          cfg.PipeName,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		SteadyReadTimeout: cfg.SteadyReadTimeout,
		WriteTick:         cfg.WriteTick,
		ReconnectBackoff:  cfg.ReconnectBackoff,
		PipeOpenTimeout:   cfg.PipeOpenTimeout,
		PipeOpenPoll:      cfg.PipeOpenPoll,
	})

	r := &Relay{cfg: cfg, channel: channel}

	// proto's OnRecv must forward into the bridge, but the bridge itself
	// needs proto to send packets back out — break the cycle with a
	// closure over r.bridge, assigned below before either is ever driven.
	r.proto = protoclient.New(channel, cfg.KeepAliveInterval, protoclient.Observers{
		OnRecv: func(pkt protocol.Packet) { r.bridge.OnProtoRecv(pkt) },
	})
	r.bridge = bridge.New(r.proto)

	r.reactor = tcpreactor.New(tcpreactor.Observers{
		OnConnected:    func(c *tcpreactor.Client) { r.bridge.OnTCPConnected(c) },
		OnRecv:         func(c *tcpreactor.Client, chunks [][]byte) { r.bridge.OnTCPRecv(c.Token(), chunks) },
		OnDisconnected: func(token uint64) { r.bridge.OnTCPDisconnected(token) },
	})

	channel.OnConnected = r.proto.OnChannelConnected
	channel.OnDisconnected = r.proto.OnChannelDisconnected

	return r, nil
}

// Run starts the channel, proto client and TCP reactor, blocks until ctx is
// cancelled, then calls Close. Calling Close from another goroutine stops
// the subsystems but does not make Run return.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if err := r.reactor.Listen(r.cfg.Listen); err != nil {
		return newConfigError("Listen", err.Error())
	}

	go r.channel.Run(ctx)
	go r.proto.Run(ctx)

	<-ctx.Done()
	r.Close()
	return nil
}

// Close requests termination of every subsystem and waits (bounded) for
// them to stop.
func (r *Relay) Close() {
	r.stopOnce.Do(func() {
		r.bridge.RequestTermination()
		r.reactor.RequestTermination()
		r.channel.RequestTermination()

		bridge.Join(5*time.Second,
			func() bool { return r.reactor.Join(0) },
			func() bool { return r.channel.Join(0) },
		)
	})
}
