package av

import (
	"net/netip"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/transport"
)

// Endpoint is an audio endpoint owned by the caller. The client forwards
// datagrams addressed to the endpoint's id and lets it emit its own
// traffic during Send.
//
// Handles are compared with ==, so implementations should be pointers.
type Endpoint interface {
	// HandleMessage receives the payload of a datagram addressed to the
	// endpoint, together with the address it came from.
	HandleMessage(data []byte, addr netip.AddrPort) error

	// Send emits the endpoint's outgoing datagrams through fn.
	Send(fn transport.SendFunc) error
}

// Source produces an audio stream.
type Source interface {
	Endpoint
}

// Sink consumes audio streams.
type Sink interface {
	Endpoint
}

// AddressObserver is implemented by endpoints that want to know when the
// address of a peer changes, e.g. after a handshake or relay fallback.
type AddressObserver interface {
	PeerAddressChanged(group, user directory.ID, addr netip.AddrPort, relayed bool)
}

// Kind tells sources from sinks.
type Kind uint8

const (
	KindSource Kind = iota
	KindSink
)

func (k Kind) String() string {
	if k == KindSink {
		return "sink"
	}
	return "source"
}
