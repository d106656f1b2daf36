package directory

import (
	"net/netip"
	"slices"

	"github.com/Itukii/sonobus/status"
)

// ID is a server-assigned group or user id.
type ID int32

// InvalidID marks an unassigned id. As a message target it is the wildcard
// for "all groups" or "all users".
const InvalidID ID = -1

// Directory errors.
var (
	ErrGroupNotFound  = status.New(status.ErrNotFound, "group not found")
	ErrPeerNotFound   = status.New(status.ErrNotFound, "peer not found")
	ErrGroupExists    = status.New(status.ErrInvalidState, "group already exists")
	ErrPeerExists     = status.New(status.ErrInvalidState, "peer already exists")
	ErrNoAddress      = status.New(status.ErrInvalidArgument, "peer has no valid address")
	ErrBufferTooSmall = status.New(status.ErrBufferTooSmall, "name buffer too small")
)

// Group is a joined group.
type Group struct {
	ID   ID
	Name string

	// UserID and UserName identify the local user within the group.
	UserID   ID
	UserName string

	Metadata        []byte
	UserMetadata    []byte
	PrivateMetadata []byte

	// RelayAddress is the relay hint advertised for the group, if any.
	RelayAddress netip.AddrPort
}

// Peer is a remote group member. Peers with the same user in different
// groups are distinct entries.
type Peer struct {
	GroupID   ID
	UserID    ID
	GroupName string
	UserName  string

	// Address is the address datagrams for the peer are sent to. Until the
	// handshake completes it is the first candidate address.
	Address netip.AddrPort

	// Addresses are the candidate addresses announced by the server.
	Addresses []netip.AddrPort

	Metadata     []byte
	RelayAddress netip.AddrPort

	// Connected is set once a handshake packet was received from the peer.
	Connected bool

	// Relayed is set when direct delivery failed and Address points at a
	// relay.
	Relayed bool
}

// Key returns the (group, user) identity of the peer.
func (p *Peer) Key() Key {
	return Key{Group: p.GroupID, User: p.UserID}
}

// HasAddress reports whether addr belongs to the peer: one of its
// candidate addresses or, unless relayed, its current address.
func (p *Peer) HasAddress(addr netip.AddrPort) bool {
	if !p.Relayed && addr == p.Address {
		return true
	}
	return slices.Contains(p.Addresses, addr)
}

// Key identifies a peer within the directory.
type Key struct {
	Group ID
	User  ID
}

// Less orders keys by group id, then user id.
func (k Key) Less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.User < o.User
}

// NameBuffer is a caller-owned output buffer for names. The required size
// of a name includes a zero terminator.
type NameBuffer struct {
	Buf  []byte
	Size int
}

// RequiredSize returns the buffer size needed for name.
func RequiredSize(name string) int {
	return len(name) + 1
}

// Put writes name followed by a zero terminator and sets Size to the
// required size. If Buf is too small nothing is written and
// ErrBufferTooSmall is returned; Size still reports the required size.
func (b *NameBuffer) Put(name string) error {
	need := RequiredSize(name)
	b.Size = need
	if len(b.Buf) < need {
		return ErrBufferTooSmall
	}
	copy(b.Buf, name)
	b.Buf[len(name)] = 0
	return nil
}

// String returns the name stored by the last successful Put.
func (b *NameBuffer) String() string {
	if b.Size < 1 || b.Size > len(b.Buf) {
		return ""
	}
	return string(b.Buf[:b.Size-1])
}
