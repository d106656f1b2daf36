package sonobus

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/limits"
	"github.com/Itukii/sonobus/transport"
)

func TestHandleMessageRejectsMalformedInput(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)

	assert.ErrorIs(t, alice.HandleMessage(nil, serverAddr), ErrMalformed)
	assert.ErrorIs(t, alice.HandleMessage([]byte{}, serverAddr), ErrMalformed)

	oversized := make([]byte, limits.MaxDatagramSize+1)
	oversized[0] = byte(transport.PacketServerPing)
	err := alice.HandleMessage(oversized, serverAddr)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)

	// a known type whose fields do not decode
	bad := []byte{byte(transport.PacketServerResponse), 0xff, 0xff, 0xff}
	assert.ErrorIs(t, alice.HandleMessage(bad, serverAddr), ErrMalformed)

	// unknown types are ignored
	assert.NoError(t, alice.HandleMessage([]byte{0xee, 1, 2, 3}, serverAddr))
}

func TestServerPacketsFromForeignAddressesAreIgnored(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)

	var cbs callbacks
	require.NoError(t, alice.Connect(serverAddr.Addr().String(), int(serverAddr.Port()), "", nil, cbs.cb()))
	h.net.Detach(serverAddr)
	h.pump(1)

	reqs := h.net.Deliveries()
	require.NotEmpty(t, reqs)

	// forge the reply from another address, then from the server
	resp := transport.Marshal(&transport.ServerResponse{ID: 1, Kind: transport.RequestConnect, ClientID: 7})
	require.NoError(t, alice.HandleMessage(resp, bobAddr))
	assert.Empty(t, cbs.all())
	assert.Equal(t, Connecting, alice.State())

	relay := transport.Marshal(&transport.Relay{Address: serverAddr, Payload: resp})
	require.NoError(t, alice.HandleMessage(relay, bobAddr))
	assert.Empty(t, cbs.all(), "server packets are never accepted through a relay")

	require.NoError(t, alice.HandleMessage(resp, serverAddr))
	require.Len(t, cbs.all(), 1)
	assert.Equal(t, Connected, alice.State())
	assert.Equal(t, directory.ID(7), alice.ClientID())
}

func TestNestedRelaysAreDropped(t *testing.T) {
	_, _, bob := studio(t)

	inner := transport.Marshal(&transport.PeerMessage{GroupID: 1, UserID: 1, Data: []byte("deep")})
	once := transport.Marshal(&transport.Relay{Address: aliceAddr, Payload: inner})
	twice := transport.Marshal(&transport.Relay{Address: aliceAddr, Payload: once})

	require.NoError(t, bob.HandleMessage(twice, serverAddr))
	assert.Empty(t, messages(bob))

	require.NoError(t, bob.HandleMessage(once, serverAddr))
	require.Len(t, messages(bob), 1)
	assert.Equal(t, []byte("deep"), messages(bob)[0].Data)
}

func TestNetworkPathIsNotReentrant(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)
	h.connect(alice)

	h.clock.Add(5 * time.Second)

	var inner error
	err := alice.Send(func(data []byte, addr netip.AddrPort) error {
		if inner == nil {
			inner = alice.Send(func([]byte, netip.AddrPort) error { return nil })
		}
		return nil
	})
	require.NoError(t, err)

	// the keepalive ping was due
	assert.ErrorIs(t, inner, ErrReentrant)
	assert.ErrorIs(t, alice.Send(nil), ErrNilArgument)
}

func TestSendCollectsErrors(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)
	h.connect(alice)

	h.clock.Add(5 * time.Second)

	boom := errors.New("socket closed")
	var calls int
	err := alice.Send(func([]byte, netip.AddrPort) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Positive(t, calls)
}

// endpoint records datagrams forwarded to it and emits a frame per Send.
type endpoint struct {
	mu       sync.Mutex
	received [][]byte
	from     []netip.AddrPort
	frames   int
	dest     netip.AddrPort
	moved    []netip.AddrPort
}

func (e *endpoint) HandleMessage(data []byte, addr netip.AddrPort) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, append([]byte(nil), data...))
	e.from = append(e.from, addr)
	return nil
}

func (e *endpoint) Send(fn transport.SendFunc) error {
	e.mu.Lock()
	dest := e.dest
	e.mu.Unlock()
	if !dest.IsValid() {
		return nil
	}
	e.frames++
	return fn(transport.Marshal(&transport.EndpointData{Sink: true, ID: 5, Payload: []byte("pcm")}), dest)
}

func (e *endpoint) PeerAddressChanged(group, user directory.ID, addr netip.AddrPort, relayed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.moved = append(e.moved, addr)
}

func TestEndpointTraffic(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)
	bob := h.client(bobAddr)

	src := &endpoint{}
	sink := &endpoint{}
	require.NoError(t, alice.AddSource(src, 5))
	require.NoError(t, bob.AddSink(sink, 5))
	assert.Error(t, bob.AddSink(sink, 6), "a sink is registered once")

	h.connect(alice)
	h.connect(bob)
	h.join(alice, "studio", "alice")
	h.join(bob, "studio", "bob")
	h.pump(2)

	src.mu.Lock()
	src.dest = bobAddr
	assert.Equal(t, []netip.AddrPort{bobAddr}, src.moved, "handshake reported to the endpoint")
	src.mu.Unlock()

	h.pump(3)

	sink.mu.Lock()
	assert.Len(t, sink.received, 3)
	assert.Equal(t, []byte("pcm"), sink.received[0])
	assert.Equal(t, aliceAddr, sink.from[0])
	sink.mu.Unlock()

	// datagrams for an unregistered id are dropped quietly
	stray := transport.Marshal(&transport.EndpointData{Sink: true, ID: 9, Payload: []byte("?")})
	assert.NoError(t, bob.HandleMessage(stray, aliceAddr))

	require.NoError(t, bob.RemoveSink(sink))
	h.pump(1)
	sink.mu.Lock()
	assert.Len(t, sink.received, 3)
	sink.mu.Unlock()
}
