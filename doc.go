// Package relay implements the client-side core of a SOCKS-over-named-pipe
// tunnel: it dials a remote Windows host over SMB, opens a pair of named
// pipe instances, binds them into one logical duplex channel, and
// multiplexes many local TCP (SOCKS) client connections over that channel
// by tagging each with a 64-bit link token.
//
// # Overview
//
// The core is built from five cooperating packages:
//
//   - protocol: a framed binary packet codec and a resynchronizing stream
//     parser.
//   - pipetransport: the dual-pipe channel, its handshake, read/write
//     loops, and reconnect logic.
//   - protoclient: keep-alive and typed packet dispatch layered on top of
//     pipetransport.
//   - tcpreactor: the local TCP listener serving SOCKS/TCP clients.
//   - bridge: ties tcpreactor to protoclient, assigning link tokens and
//     forwarding bytes in both directions.
//
// # Basic usage
//
//	cfg := relay.DefaultConfig()
//	cfg.Host = "fileserver.example.com"
//	cfg.PipeName = "rpc2socks"
//	cfg.Username = "jdoe"
//	cfg.Password = "secret123"
//	cfg.Listen = []string{"127.0.0.1:1080"}
//
//	r, err := relay.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	if err := r.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// The SOCKS protocol itself is opaque to the relay — payload bytes are
// forwarded verbatim between the local TCP client and the remote pipe.
package relay
