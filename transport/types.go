package transport

import (
	"net/netip"
)

// SendFunc transmits one datagram to addr. It is supplied by the owner of
// the socket and must not block.
type SendFunc func(data []byte, addr netip.AddrPort) error

// WrapRelay encloses an encoded datagram in a relay envelope addressed to
// dest. The result is sent to the relay itself.
func WrapRelay(datagram []byte, dest netip.AddrPort) []byte {
	return Marshal(&Relay{Address: dest, Payload: datagram})
}
