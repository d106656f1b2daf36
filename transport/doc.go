// Package transport implements the sonobus datagram codec.
//
// Every datagram starts with a one byte PacketType followed by a sequence
// of protobuf wire format fields:
//
//	[packet type (1 byte)][protowire fields (variable length)]
//
// Fields holding zero values are omitted, unknown fields are skipped and
// packets of unknown type decode to ErrUnknownPacket so that newer peers
// can extend the protocol. Addresses are carried as the binary form of
// netip.AddrPort.
//
// Encoding and decoding a message:
//
//	data := transport.Marshal(&transport.PeerPing{PeerHello: transport.PeerHello{GroupID: 1, UserID: 2}})
//	msg, err := transport.Parse(data)
//	if err != nil {
//	    // errors.Is(err, transport.ErrMalformed) or ErrUnknownPacket
//	}
//	ping := msg.(*transport.PeerPing)
//
// The package performs no I/O. Outbound datagrams are handed to a SendFunc
// owned by the caller.
package transport
