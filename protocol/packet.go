package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// Magic is the 4-byte frame delimiter, emitted on the wire in this exact
// byte order.
var Magic = [4]byte{0xE4, 0x85, 0xB4, 0xB2}

// HeaderSize is the width of the fixed packet header: magic(4) +
// total_length(4) + crc32(4) + uid(4) + opcode(1).
const HeaderSize = 4 + 4 + 4 + 4 + 1

// MaxPacketSize is the hard ceiling on total_length, inclusive.
const MaxPacketSize = 16 * 1024 * 1024

// MaxUID is the largest uid a request packet may carry; 0 is reserved for
// unsolicited responses and is never valid on a request.
const MaxUID = math.MaxUint32 - 1

// Packet is any typed packet value the codec knows how to serialize.
type Packet interface {
	Opcode() Opcode
	UID() uint32
	payload() []byte
}

// randomUID draws a uid uniformly from [1, MaxUID].
func randomUID() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand is not expected to fail on a supported platform;
			// fall back to a fixed nonzero value rather than panic.
			return 1
		}
		v := binary.LittleEndian.Uint32(buf[:])
		if v != 0 && v != math.MaxUint32 {
			return v
		}
	}
}

// NextUID draws a fresh uid suitable for a new request packet.
func NextUID() uint32 {
	return randomUID()
}

// resolveUID returns uid unchanged if nonzero, otherwise draws a fresh one.
// Used by request-packet constructors, where uid==0 is never valid on the
// wire and signals "assign one for me".
func resolveUID(uid uint32) uint32 {
	if uid == 0 {
		return randomUID()
	}
	return uid
}

// ChannelSetup is the CHANNEL_SETUP payload: client_id (0 means "assign
// me") and a channel-flags bitfield.
type ChannelSetup struct {
	uid      uint32
	ClientID uint64
	Flags    ChannelFlags
}

// NewChannelSetup builds a CHANNEL_SETUP packet. uid==0 draws a fresh one.
func NewChannelSetup(uid uint32, clientID uint64, flags ChannelFlags) *ChannelSetup {
	return &ChannelSetup{uid: resolveUID(uid), ClientID: clientID, Flags: flags}
}

func (p *ChannelSetup) Opcode() Opcode { return OpChannelSetup }
func (p *ChannelSetup) UID() uint32    { return p.uid }
func (p *ChannelSetup) payload() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint64(b[0:8], p.ClientID)
	binary.LittleEndian.PutUint32(b[8:12], uint32(p.Flags))
	return b
}

// ChannelSetupAck is the CHANNEL_SETUP_ACK payload: the assigned, nonzero
// client_id. uid==0 is valid here — the ack is an unsolicited response in
// the sense that the codec never forces one.
type ChannelSetupAck struct {
	uid      uint32
	ClientID uint64
}

func NewChannelSetupAck(uid uint32, clientID uint64) *ChannelSetupAck {
	return &ChannelSetupAck{uid: uid, ClientID: clientID}
}

func (p *ChannelSetupAck) Opcode() Opcode { return OpChannelSetupAck }
func (p *ChannelSetupAck) UID() uint32    { return p.uid }
func (p *ChannelSetupAck) payload() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, p.ClientID)
	return b
}

// Status is the STATUS payload: a single status byte, normally echoing the
// uid of the request it answers.
type Status struct {
	uid  uint32
	Code StatusCode
}

func NewStatus(uid uint32, code StatusCode) *Status {
	return &Status{uid: uid, Code: code}
}

func (p *Status) Opcode() Opcode { return OpStatus }
func (p *Status) UID() uint32    { return p.uid }
func (p *Status) payload() []byte {
	return []byte{byte(p.Code)}
}

// Ping is the empty-payload keep-alive request.
type Ping struct {
	uid uint32
}

func NewPing(uid uint32) *Ping {
	return &Ping{uid: resolveUID(uid)}
}

func (p *Ping) Opcode() Opcode   { return OpPing }
func (p *Ping) UID() uint32      { return p.uid }
func (p *Ping) payload() []byte  { return nil }

// Socks carries opaque tunneled bytes for a single link, tagged with its
// link_id. Data must be non-empty — the payload length is always > 8.
type Socks struct {
	uid    uint32
	LinkID uint64
	Data   []byte
}

func NewSocks(uid uint32, linkID uint64, data []byte) *Socks {
	return &Socks{uid: resolveUID(uid), LinkID: linkID, Data: data}
}

func (p *Socks) Opcode() Opcode { return OpSocks }
func (p *Socks) UID() uint32    { return p.uid }
func (p *Socks) payload() []byte {
	b := make([]byte, 8+len(p.Data))
	binary.LittleEndian.PutUint64(b[0:8], p.LinkID)
	copy(b[8:], p.Data)
	return b
}

// SocksClose signals that the peer should close the local TCP/SOCKS
// endpoint for link_id.
type SocksClose struct {
	uid    uint32
	LinkID uint64
}

func NewSocksClose(uid uint32, linkID uint64) *SocksClose {
	return &SocksClose{uid: resolveUID(uid), LinkID: linkID}
}

func (p *SocksClose) Opcode() Opcode { return OpSocksClose }
func (p *SocksClose) UID() uint32    { return p.uid }
func (p *SocksClose) payload() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, p.LinkID)
	return b
}

// SocksDisconnected signals that the sender's local TCP/SOCKS endpoint for
// link_id has gone away.
type SocksDisconnected struct {
	uid    uint32
	LinkID uint64
}

func NewSocksDisconnected(uid uint32, linkID uint64) *SocksDisconnected {
	return &SocksDisconnected{uid: resolveUID(uid), LinkID: linkID}
}

func (p *SocksDisconnected) Opcode() Opcode { return OpSocksDisconnected }
func (p *SocksDisconnected) UID() uint32    { return p.uid }
func (p *SocksDisconnected) payload() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, p.LinkID)
	return b
}

// UninstallSelf is the empty-payload self-uninstall instruction.
type UninstallSelf struct {
	uid uint32
}

func NewUninstallSelf(uid uint32) *UninstallSelf {
	return &UninstallSelf{uid: resolveUID(uid)}
}

func (p *UninstallSelf) Opcode() Opcode  { return OpUninstallSelf }
func (p *UninstallSelf) UID() uint32     { return p.uid }
func (p *UninstallSelf) payload() []byte { return nil }
