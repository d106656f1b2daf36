package transport

import (
	"errors"
	"fmt"

	"github.com/Itukii/sonobus/status"
)

// PacketType identifies the type of a sonobus datagram.
type PacketType byte

const (
	// Rendezvous server packet types
	PacketServerRequest  PacketType = 0x01
	PacketServerResponse PacketType = 0x02
	PacketServerNotify   PacketType = 0x03
	PacketServerPing     PacketType = 0x04
	PacketServerPong     PacketType = 0x05

	// Peer packet types
	PacketPeerPing    PacketType = 0x10
	PacketPeerPong    PacketType = 0x11
	PacketPeerMessage PacketType = 0x12
	PacketPeerAck     PacketType = 0x13

	// Relay envelope
	PacketRelay PacketType = 0x20

	// Audio endpoint traffic, routed by endpoint id
	PacketSource PacketType = 0x30
	PacketSink   PacketType = 0x31
)

var packetTypeNames = map[PacketType]string{
	PacketServerRequest:  "server-request",
	PacketServerResponse: "server-response",
	PacketServerNotify:   "server-notify",
	PacketServerPing:     "server-ping",
	PacketServerPong:     "server-pong",
	PacketPeerPing:       "peer-ping",
	PacketPeerPong:       "peer-pong",
	PacketPeerMessage:    "peer-message",
	PacketPeerAck:        "peer-ack",
	PacketRelay:          "relay",
	PacketSource:         "source",
	PacketSink:           "sink",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("packet(0x%02x)", byte(t))
}

// Known reports whether t is a packet type this version understands.
func (t PacketType) Known() bool {
	_, ok := packetTypeNames[t]
	return ok
}

var (
	// ErrMalformed is returned for datagrams that cannot be decoded.
	ErrMalformed = status.New(status.ErrInvalidArgument, "malformed datagram")

	// ErrUnknownPacket is returned for well-formed datagrams of a type this
	// version does not understand. Receivers ignore them.
	ErrUnknownPacket = errors.New("unknown packet type")
)

// Packet represents a sonobus datagram.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// ParsePacket converts a byte slice to a Packet structure.
// The returned packet aliases data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: packet too short", ErrMalformed)
	}

	return &Packet{
		PacketType: PacketType(data[0]),
		Data:       data[1:],
	}, nil
}

// Decode decodes the packet payload into its typed message.
// Unknown packet types yield ErrUnknownPacket.
func (p *Packet) Decode() (Message, error) {
	var m Message
	switch p.PacketType {
	case PacketServerRequest:
		m = &ServerRequest{}
	case PacketServerResponse:
		m = &ServerResponse{}
	case PacketServerNotify:
		m = &ServerNotify{}
	case PacketServerPing:
		m = &ServerPing{}
	case PacketServerPong:
		m = &ServerPong{}
	case PacketPeerPing:
		m = &PeerPing{}
	case PacketPeerPong:
		m = &PeerPong{}
	case PacketPeerMessage:
		m = &PeerMessage{}
	case PacketPeerAck:
		m = &PeerAck{}
	case PacketRelay:
		m = &Relay{}
	case PacketSource:
		m = &EndpointData{Sink: false}
	case PacketSink:
		m = &EndpointData{Sink: true}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacket, p.PacketType)
	}

	if err := m.UnmarshalFields(p.Data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, p.PacketType, err)
	}
	return m, nil
}

// Parse parses and decodes a datagram in one step.
func Parse(data []byte) (Message, error) {
	packet, err := ParsePacket(data)
	if err != nil {
		return nil, err
	}
	return packet.Decode()
}

// Marshal encodes a message into a complete datagram.
func Marshal(m Message) []byte {
	buf := make([]byte, 1, 64)
	buf[0] = byte(m.Type())
	return m.AppendFields(buf)
}
