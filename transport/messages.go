package transport

import (
	"net/netip"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a typed sonobus datagram payload.
type Message interface {
	// Type returns the packet type the message is framed with.
	Type() PacketType
	// AppendFields appends the protowire encoding of the message to b.
	AppendFields(b []byte) []byte
	// UnmarshalFields decodes the message from its protowire encoding.
	UnmarshalFields(b []byte) error
}

// RequestKind tags server requests and responses.
type RequestKind uint8

const (
	RequestConnect RequestKind = iota + 1
	RequestDisconnect
	RequestJoinGroup
	RequestLeaveGroup
	RequestCustom
)

// NotifyKind tags server push notifications.
type NotifyKind uint8

const (
	NotifyPeerJoin NotifyKind = iota + 1
	NotifyPeerLeave
	NotifyPeerUpdate
	NotifyGroupEject
	NotifyGroupUpdate
	NotifyMessage
)

// ServerRequest is sent by the client to the rendezvous server. Only the
// fields belonging to Kind are populated.
type ServerRequest struct {
	ID   uint32
	Kind RequestKind

	// connect
	Token    []byte
	Password []byte
	Metadata []byte
	Version  string

	// join
	GroupName     string
	GroupPassword []byte
	GroupMetadata []byte
	UserName      string
	UserPassword  []byte
	UserMetadata  []byte
	RelayAddress  netip.AddrPort

	// leave
	GroupID int32

	// custom
	Data  []byte
	Flags uint32
}

func (m *ServerRequest) Type() PacketType { return PacketServerRequest }

func (m *ServerRequest) AppendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.uint(1, uint64(m.ID))
	w.uint(2, uint64(m.Kind))
	w.bytes(10, m.Token)
	w.bytes(11, m.Password)
	w.bytes(12, m.Metadata)
	w.string(13, m.Version)
	w.string(20, m.GroupName)
	w.bytes(21, m.GroupPassword)
	w.bytes(22, m.GroupMetadata)
	w.string(23, m.UserName)
	w.bytes(24, m.UserPassword)
	w.bytes(25, m.UserMetadata)
	w.addr(26, m.RelayAddress)
	w.int(30, int64(m.GroupID))
	w.bytes(40, m.Data)
	w.uint(41, uint64(m.Flags))
	return w.b
}

func (m *ServerRequest) UnmarshalFields(b []byte) error {
	var r fieldReader
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.ID = r.uint32(f)
		case 2:
			m.Kind = RequestKind(r.uint(f))
		case 10:
			m.Token = r.bytes(f)
		case 11:
			m.Password = r.bytes(f)
		case 12:
			m.Metadata = r.bytes(f)
		case 13:
			m.Version = r.string(f)
		case 20:
			m.GroupName = r.string(f)
		case 21:
			m.GroupPassword = r.bytes(f)
		case 22:
			m.GroupMetadata = r.bytes(f)
		case 23:
			m.UserName = r.string(f)
		case 24:
			m.UserPassword = r.bytes(f)
		case 25:
			m.UserMetadata = r.bytes(f)
		case 26:
			m.RelayAddress = r.addr(f)
		case 30:
			m.GroupID = r.int32(f)
		case 40:
			m.Data = r.bytes(f)
		case 41:
			m.Flags = r.uint32(f)
		}
	})
	if err != nil {
		return err
	}
	return r.err
}

// PeerInfo describes one group member as announced by the server.
type PeerInfo struct {
	GroupID      int32
	UserID       int32
	GroupName    string
	UserName     string
	Addresses    []netip.AddrPort
	Metadata     []byte
	RelayAddress netip.AddrPort
}

func (p *PeerInfo) appendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.int(1, int64(p.GroupID))
	w.int(2, int64(p.UserID))
	w.string(3, p.GroupName)
	w.string(4, p.UserName)
	for _, a := range p.Addresses {
		w.addr(5, a)
	}
	w.bytes(6, p.Metadata)
	w.addr(7, p.RelayAddress)
	return w.b
}

func (p *PeerInfo) unmarshalFields(b []byte) error {
	var r fieldReader
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			p.GroupID = r.int32(f)
		case 2:
			p.UserID = r.int32(f)
		case 3:
			p.GroupName = r.string(f)
		case 4:
			p.UserName = r.string(f)
		case 5:
			if a := r.addr(f); a.IsValid() {
				p.Addresses = append(p.Addresses, a)
			}
		case 6:
			p.Metadata = r.bytes(f)
		case 7:
			p.RelayAddress = r.addr(f)
		}
	})
	if err != nil {
		return err
	}
	return r.err
}

// ServerResponse answers a ServerRequest with the same ID. Code 0 means
// success; any other code carries Message.
type ServerResponse struct {
	ID      uint32
	Kind    RequestKind
	Code    int32
	Message string

	// connect
	ClientID int32
	Metadata []byte

	// join
	GroupID         int32
	UserID          int32
	GroupMetadata   []byte
	UserMetadata    []byte
	PrivateMetadata []byte
	RelayAddress    netip.AddrPort
	Peers           []PeerInfo

	// custom
	Data  []byte
	Flags uint32
}

func (m *ServerResponse) Type() PacketType { return PacketServerResponse }

func (m *ServerResponse) AppendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.uint(1, uint64(m.ID))
	w.uint(2, uint64(m.Kind))
	w.int(3, int64(m.Code))
	w.string(4, m.Message)
	w.int(10, int64(m.ClientID))
	w.bytes(11, m.Metadata)
	w.int(20, int64(m.GroupID))
	w.int(21, int64(m.UserID))
	w.bytes(22, m.GroupMetadata)
	w.bytes(23, m.UserMetadata)
	w.bytes(24, m.PrivateMetadata)
	w.addr(25, m.RelayAddress)
	for i := range m.Peers {
		w.message(26, m.Peers[i].appendFields(nil))
	}
	w.bytes(40, m.Data)
	w.uint(41, uint64(m.Flags))
	return w.b
}

func (m *ServerResponse) UnmarshalFields(b []byte) error {
	var r fieldReader
	var nestedErr error
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.ID = r.uint32(f)
		case 2:
			m.Kind = RequestKind(r.uint(f))
		case 3:
			m.Code = r.int32(f)
		case 4:
			m.Message = r.string(f)
		case 10:
			m.ClientID = r.int32(f)
		case 11:
			m.Metadata = r.bytes(f)
		case 20:
			m.GroupID = r.int32(f)
		case 21:
			m.UserID = r.int32(f)
		case 22:
			m.GroupMetadata = r.bytes(f)
		case 23:
			m.UserMetadata = r.bytes(f)
		case 24:
			m.PrivateMetadata = r.bytes(f)
		case 25:
			m.RelayAddress = r.addr(f)
		case 26:
			var p PeerInfo
			if err := p.unmarshalFields(r.nested(f)); err != nil && nestedErr == nil {
				nestedErr = err
			}
			m.Peers = append(m.Peers, p)
		case 40:
			m.Data = r.bytes(f)
		case 41:
			m.Flags = r.uint32(f)
		}
	})
	if err != nil {
		return err
	}
	if r.err != nil {
		return r.err
	}
	return nestedErr
}

// ServerNotify is pushed by the server without a matching request.
type ServerNotify struct {
	Kind     NotifyKind
	Peer     PeerInfo
	GroupID  int32
	UserID   int32
	Metadata []byte
	Data     []byte
	Flags    uint32
}

func (m *ServerNotify) Type() PacketType { return PacketServerNotify }

func (m *ServerNotify) AppendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.uint(1, uint64(m.Kind))
	if m.Kind == NotifyPeerJoin || m.Kind == NotifyPeerUpdate {
		w.message(2, m.Peer.appendFields(nil))
	}
	w.int(3, int64(m.GroupID))
	w.int(4, int64(m.UserID))
	w.bytes(5, m.Metadata)
	w.bytes(6, m.Data)
	w.uint(7, uint64(m.Flags))
	return w.b
}

func (m *ServerNotify) UnmarshalFields(b []byte) error {
	var r fieldReader
	var nestedErr error
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.Kind = NotifyKind(r.uint(f))
		case 2:
			nestedErr = m.Peer.unmarshalFields(r.nested(f))
		case 3:
			m.GroupID = r.int32(f)
		case 4:
			m.UserID = r.int32(f)
		case 5:
			m.Metadata = r.bytes(f)
		case 6:
			m.Data = r.bytes(f)
		case 7:
			m.Flags = r.uint32(f)
		}
	})
	if err != nil {
		return err
	}
	if r.err != nil {
		return r.err
	}
	return nestedErr
}

// ServerPing is the client keepalive.
type ServerPing struct{}

func (m *ServerPing) Type() PacketType               { return PacketServerPing }
func (m *ServerPing) AppendFields(b []byte) []byte   { return b }
func (m *ServerPing) UnmarshalFields(b []byte) error { return walkFields(b, func(field) {}) }

// ServerPong answers a ServerPing.
type ServerPong struct{}

func (m *ServerPong) Type() PacketType               { return PacketServerPong }
func (m *ServerPong) AppendFields(b []byte) []byte   { return b }
func (m *ServerPong) UnmarshalFields(b []byte) error { return walkFields(b, func(field) {}) }

// PeerHello is the body of peer handshake packets.
type PeerHello struct {
	GroupID int32
	// UserID is the sender's user id within the group.
	UserID int32
	// TargetID is the receiver's user id within the group.
	TargetID int32
}

func (m *PeerHello) appendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.int(1, int64(m.GroupID))
	w.int(2, int64(m.UserID))
	w.int(3, int64(m.TargetID))
	return w.b
}

func (m *PeerHello) unmarshalFields(b []byte) error {
	var r fieldReader
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.GroupID = r.int32(f)
		case 2:
			m.UserID = r.int32(f)
		case 3:
			m.TargetID = r.int32(f)
		}
	})
	if err != nil {
		return err
	}
	return r.err
}

// PeerPing probes a peer address during the handshake.
type PeerPing struct{ PeerHello }

func (m *PeerPing) Type() PacketType               { return PacketPeerPing }
func (m *PeerPing) AppendFields(b []byte) []byte   { return m.appendFields(b) }
func (m *PeerPing) UnmarshalFields(b []byte) error { return m.unmarshalFields(b) }

// PeerPong answers a PeerPing.
type PeerPong struct{ PeerHello }

func (m *PeerPong) Type() PacketType               { return PacketPeerPong }
func (m *PeerPong) AppendFields(b []byte) []byte   { return m.appendFields(b) }
func (m *PeerPong) UnmarshalFields(b []byte) error { return m.unmarshalFields(b) }

// PeerMessage carries a user message between peers.
type PeerMessage struct {
	GroupID int32
	UserID  int32
	// Seq is non-zero for reliable messages.
	Seq uint32
	// Timestamp is the sender's scheduled time in Unix nanoseconds, 0 for "now".
	Timestamp int64
	Flags     uint32
	Data      []byte
}

func (m *PeerMessage) Type() PacketType { return PacketPeerMessage }

func (m *PeerMessage) AppendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.int(1, int64(m.GroupID))
	w.int(2, int64(m.UserID))
	w.uint(3, uint64(m.Seq))
	w.fixed64(4, uint64(m.Timestamp))
	w.uint(5, uint64(m.Flags))
	w.bytes(6, m.Data)
	return w.b
}

func (m *PeerMessage) UnmarshalFields(b []byte) error {
	var r fieldReader
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.GroupID = r.int32(f)
		case 2:
			m.UserID = r.int32(f)
		case 3:
			m.Seq = r.uint32(f)
		case 4:
			m.Timestamp = int64(r.fixed64(f))
		case 5:
			m.Flags = r.uint32(f)
		case 6:
			m.Data = r.bytes(f)
		}
	})
	if err != nil {
		return err
	}
	return r.err
}

// PeerAck acknowledges a reliable PeerMessage.
type PeerAck struct {
	GroupID int32
	// UserID is the acknowledging peer.
	UserID int32
	Seq    uint32
}

func (m *PeerAck) Type() PacketType { return PacketPeerAck }

func (m *PeerAck) AppendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.int(1, int64(m.GroupID))
	w.int(2, int64(m.UserID))
	w.uint(3, uint64(m.Seq))
	return w.b
}

func (m *PeerAck) UnmarshalFields(b []byte) error {
	var r fieldReader
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.GroupID = r.int32(f)
		case 2:
			m.UserID = r.int32(f)
		case 3:
			m.Seq = r.uint32(f)
		}
	})
	if err != nil {
		return err
	}
	return r.err
}

// Relay wraps a datagram forwarded by a relay. Outbound, Address is the
// final destination; inbound, it is the original sender.
type Relay struct {
	Address netip.AddrPort
	Payload []byte
}

func (m *Relay) Type() PacketType { return PacketRelay }

func (m *Relay) AppendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.addr(1, m.Address)
	w.bytes(2, m.Payload)
	return w.b
}

func (m *Relay) UnmarshalFields(b []byte) error {
	var r fieldReader
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.Address = r.addr(f)
		case 2:
			m.Payload = r.bytes(f)
		}
	})
	if err != nil {
		return err
	}
	if r.err == nil && !m.Address.IsValid() {
		return errMissingField(1)
	}
	return r.err
}

// EndpointData is opaque audio endpoint traffic addressed to a local
// source (Sink false) or sink (Sink true) by id.
type EndpointData struct {
	Sink    bool
	ID      int32
	Payload []byte
}

func (m *EndpointData) Type() PacketType {
	if m.Sink {
		return PacketSink
	}
	return PacketSource
}

func (m *EndpointData) AppendFields(b []byte) []byte {
	w := fieldWriter{b: b}
	w.int(1, int64(m.ID))
	w.bytes(2, m.Payload)
	return w.b
}

func (m *EndpointData) UnmarshalFields(b []byte) error {
	var r fieldReader
	err := walkFields(b, func(f field) {
		switch f.num {
		case 1:
			m.ID = r.int32(f)
		case 2:
			m.Payload = r.bytes(f)
		}
	})
	if err != nil {
		return err
	}
	return r.err
}

type missingFieldError protowire.Number

func (e missingFieldError) Error() string {
	return "missing field " + strconv.Itoa(int(e))
}

func errMissingField(num protowire.Number) error {
	return missingFieldError(num)
}

var requestKindNames = map[RequestKind]string{
	RequestConnect:    "connect",
	RequestDisconnect: "disconnect",
	RequestJoinGroup:  "join-group",
	RequestLeaveGroup: "leave-group",
	RequestCustom:     "custom",
}

func (k RequestKind) String() string {
	if name, ok := requestKindNames[k]; ok {
		return name
	}
	return "request(" + strconv.Itoa(int(k)) + ")"
}
