package messaging

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/limits"
	"github.com/Itukii/sonobus/status"
	"github.com/Itukii/sonobus/transport"
)

var (
	bobAddr   = netip.MustParseAddrPort("192.0.2.2:4000")
	carolAddr = netip.MustParseAddrPort("192.0.2.4:4000")
	daveAddr  = netip.MustParseAddrPort("192.0.2.7:4000")
	relayAddr = netip.MustParseAddrPort("203.0.113.1:7000")
)

type datagram struct {
	data []byte
	addr netip.AddrPort
}

type capture struct {
	mu   sync.Mutex
	sent []datagram
}

func (c *capture) send(data []byte, addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, datagram{data: data, addr: addr})
	return nil
}

func (c *capture) take() []datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

type events struct {
	mu   sync.Mutex
	list []event.Event
}

func (e *events) emit(ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func newTestDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	d := directory.New()
	require.NoError(t, d.Update(func(tx *directory.Tx) error {
		require.NoError(t, tx.AddGroup(directory.Group{ID: 3, Name: "studio", UserID: 1, UserName: "alice"}))
		require.NoError(t, tx.AddPeer(directory.Peer{GroupID: 3, UserID: 2, UserName: "bob", Address: bobAddr}))
		require.NoError(t, tx.AddPeer(directory.Peer{GroupID: 3, UserID: 4, UserName: "carol", Address: carolAddr}))
		require.NoError(t, tx.AddGroup(directory.Group{ID: 5, Name: "stage", UserID: 9, UserName: "alice"}))
		return tx.AddPeer(directory.Peer{
			GroupID: 5, UserID: 7, UserName: "dave",
			Address: relayAddr, Addresses: []netip.AddrPort{daveAddr}, Relayed: true,
		})
	}))
	return d
}

func newTestRouter(t *testing.T) (*Router, *clock.Mock, *events) {
	t.Helper()
	clk := clock.NewMock()
	var ev events
	r := NewRouter(clk, newTestDirectory(t), ev.emit, DefaultConfig())
	return r, clk, &ev
}

func decode(t *testing.T, data []byte) transport.Message {
	t.Helper()
	msg, err := transport.Parse(data)
	require.NoError(t, err)
	return msg
}

func TestSendMessageValidation(t *testing.T) {
	r, _, _ := newTestRouter(t)
	assert.ErrorIs(t, r.SendMessage(3, 2, nil, time.Time{}, 0), limits.ErrMessageEmpty)
	assert.ErrorIs(t, r.SendMessage(3, 2, make([]byte, limits.MaxMessageSize+1), time.Time{}, 0), status.ErrInvalidArgument)
	assert.Equal(t, 0, r.Pending())
}

func TestSendToUserWildcard(t *testing.T) {
	r, _, _ := newTestRouter(t)
	var c capture

	require.NoError(t, r.SendMessage(3, directory.InvalidID, []byte("hi"), time.Time{}, 0))
	assert.Equal(t, 1, r.Pending())
	require.NoError(t, r.Send(c.send))

	sent := c.take()
	require.Len(t, sent, 2)
	assert.Equal(t, bobAddr, sent[0].addr)
	assert.Equal(t, carolAddr, sent[1].addr)

	msg := decode(t, sent[0].data).(*transport.PeerMessage)
	assert.Equal(t, int32(3), msg.GroupID)
	assert.Equal(t, int32(1), msg.UserID, "sender is the local user of the group")
	assert.Equal(t, []byte("hi"), msg.Data)
	assert.Zero(t, msg.Seq)
	assert.Equal(t, uint64(2), r.Stats().Sent)
}

func TestSendCopiesData(t *testing.T) {
	r, _, _ := newTestRouter(t)
	var c capture
	data := []byte("abc")
	require.NoError(t, r.SendMessage(3, 2, data, time.Time{}, 0))
	data[0] = 'x'

	require.NoError(t, r.Send(c.send))
	sent := c.take()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("abc"), decode(t, sent[0].data).(*transport.PeerMessage).Data)
}

func TestSendTargets(t *testing.T) {
	tests := []struct {
		name  string
		group directory.ID
		user  directory.ID
		flags Flags
		want  []netip.AddrPort
	}{
		{"single peer", 3, 4, 0, []netip.AddrPort{carolAddr}},
		{"unknown user", 3, 99, 0, nil},
		{"unknown group", 42, directory.InvalidID, 0, nil},
		{"all groups skips relayed peers", directory.InvalidID, directory.InvalidID, 0, []netip.AddrPort{bobAddr, carolAddr}},
		{"all groups with relay", directory.InvalidID, directory.InvalidID, FlagAllowRelay, []netip.AddrPort{bobAddr, carolAddr, relayAddr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRouter(t)
			var c capture
			require.NoError(t, r.SendMessage(tt.group, tt.user, []byte("x"), time.Time{}, tt.flags))
			require.NoError(t, r.Send(c.send))

			var got []netip.AddrPort
			for _, d := range c.take() {
				got = append(got, d.addr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendEmptyGroupIsNoop(t *testing.T) {
	clk := clock.NewMock()
	d := directory.New()
	require.NoError(t, d.Update(func(tx *directory.Tx) error {
		return tx.AddGroup(directory.Group{ID: 1, Name: "empty", UserID: 0})
	}))
	r := NewRouter(clk, d, nil, DefaultConfig())
	var c capture

	require.NoError(t, r.SendMessage(1, directory.InvalidID, []byte("x"), time.Time{}, FlagReliable))
	require.NoError(t, r.Send(c.send))
	assert.Empty(t, c.take())
	assert.Equal(t, 0, r.InFlight())
}

func TestRelayedDeliveryIsWrapped(t *testing.T) {
	r, _, _ := newTestRouter(t)
	var c capture
	require.NoError(t, r.SendMessage(5, 7, []byte("via relay"), time.Time{}, FlagAllowRelay))
	require.NoError(t, r.Send(c.send))

	sent := c.take()
	require.Len(t, sent, 1)
	assert.Equal(t, relayAddr, sent[0].addr)
	relay := decode(t, sent[0].data).(*transport.Relay)
	assert.Equal(t, daveAddr, relay.Address)
	inner := decode(t, relay.Payload).(*transport.PeerMessage)
	assert.Equal(t, int32(9), inner.UserID)
}

func TestScheduledMessages(t *testing.T) {
	r, clk, _ := newTestRouter(t)
	var c capture
	start := clk.Now()

	require.NoError(t, r.SendMessage(3, 2, []byte("later"), start.Add(2*time.Second), 0))
	require.NoError(t, r.SendMessage(3, 2, []byte("soon"), start.Add(time.Second), 0))
	require.NoError(t, r.SendMessage(3, 2, []byte("now"), start, 0))

	require.NoError(t, r.Send(c.send))
	sent := c.take()
	require.Len(t, sent, 1)
	msg := decode(t, sent[0].data).(*transport.PeerMessage)
	assert.Equal(t, []byte("now"), msg.Data)
	assert.Equal(t, start.UnixNano(), msg.Timestamp)

	clk.Add(time.Second)
	require.NoError(t, r.Send(c.send))
	sent = c.take()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("soon"), decode(t, sent[0].data).(*transport.PeerMessage).Data)

	clk.Add(time.Second)
	require.NoError(t, r.Send(c.send))
	sent = c.take()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("later"), decode(t, sent[0].data).(*transport.PeerMessage).Data)
}

func TestResetDiscardsScheduled(t *testing.T) {
	r, clk, _ := newTestRouter(t)
	var c capture
	require.NoError(t, r.SendMessage(3, 2, []byte("later"), clk.Now().Add(time.Second), 0))
	require.NoError(t, r.Send(c.send))

	r.Reset()
	clk.Add(time.Second)
	require.NoError(t, r.Send(c.send))
	assert.Empty(t, c.take())
}

func TestReliableRetransmitAndAck(t *testing.T) {
	r, clk, ev := newTestRouter(t)
	var c capture

	require.NoError(t, r.SendMessage(3, 2, []byte("important"), time.Time{}, FlagReliable))
	require.NoError(t, r.Send(c.send))
	sent := c.take()
	require.Len(t, sent, 1)
	msg := decode(t, sent[0].data).(*transport.PeerMessage)
	assert.Equal(t, uint32(1), msg.Seq)
	assert.Equal(t, 1, r.InFlight())

	clk.Add(r.Config().RetryInterval)
	require.NoError(t, r.Send(c.send))
	resent := c.take()
	require.Len(t, resent, 1)
	assert.Equal(t, sent[0].data, resent[0].data)

	r.HandleAck(&transport.PeerAck{GroupID: 3, UserID: 2, Seq: 1}, bobAddr)
	assert.Equal(t, 0, r.InFlight())
	clk.Add(r.Config().RetryInterval)
	require.NoError(t, r.Send(c.send))
	assert.Empty(t, c.take())
	assert.Empty(t, ev.list)
	assert.Equal(t, uint64(1), r.Stats().Retransmits)
}

func TestReliableDropAfterMaxRetries(t *testing.T) {
	r, clk, ev := newTestRouter(t)
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	r.SetConfig(cfg)
	var c capture

	require.NoError(t, r.SendMessage(3, 4, []byte("lost"), time.Time{}, FlagReliable))
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Send(c.send))
		clk.Add(cfg.RetryInterval)
	}

	assert.Len(t, c.take(), 3)
	assert.Equal(t, 0, r.InFlight())
	require.Len(t, ev.list, 1)
	errEvent := ev.list[0].(event.Error)
	assert.ErrorIs(t, errEvent.Err, ErrMessageDropped)
	assert.Equal(t, uint64(1), r.Stats().Dropped)
}

func TestRetransmitsAreRateLimited(t *testing.T) {
	r, clk, _ := newTestRouter(t)
	cfg := DefaultConfig()
	cfg.RetryRate = 0
	cfg.RetryBurst = 1
	r.SetConfig(cfg)
	var c capture

	require.NoError(t, r.SendMessage(3, directory.InvalidID, []byte("x"), time.Time{}, FlagReliable))
	require.NoError(t, r.Send(c.send))
	require.Len(t, c.take(), 2)

	clk.Add(cfg.RetryInterval)
	require.NoError(t, r.Send(c.send))
	assert.Len(t, c.take(), 1, "burst of one allows a single retransmission")
	assert.Equal(t, 2, r.InFlight())
}

func TestForgetPeerStopsRetransmission(t *testing.T) {
	r, clk, ev := newTestRouter(t)
	var c capture
	require.NoError(t, r.SendMessage(3, 2, []byte("x"), time.Time{}, FlagReliable))
	require.NoError(t, r.Send(c.send))
	c.take()

	r.ForgetPeer(directory.Key{Group: 3, User: 2})
	assert.Equal(t, 0, r.InFlight())
	clk.Add(time.Second)
	require.NoError(t, r.Send(c.send))
	assert.Empty(t, c.take())
	assert.Empty(t, ev.list)
}

func TestHandleMessage(t *testing.T) {
	r, clk, ev := newTestRouter(t)
	var c capture

	r.HandleMessage(&transport.PeerMessage{GroupID: 3, UserID: 2, Data: []byte("best effort")}, bobAddr)
	r.HandleMessage(&transport.PeerMessage{GroupID: 3, UserID: 99, Data: []byte("stranger")}, bobAddr)
	r.HandleMessage(&transport.PeerMessage{GroupID: 3, UserID: 4, Seq: 1, Data: []byte("reliable")}, carolAddr)
	r.HandleMessage(&transport.PeerMessage{GroupID: 3, UserID: 4, Seq: 1, Data: []byte("reliable")}, carolAddr)

	require.Len(t, ev.list, 2)
	first := ev.list[0].(event.MessageReceived)
	assert.Equal(t, directory.ID(2), first.UserID)
	assert.Equal(t, clk.Now(), first.Timestamp)
	second := ev.list[1].(event.MessageReceived)
	assert.Equal(t, []byte("reliable"), second.Data)
	assert.Equal(t, uint64(1), r.Stats().Duplicates)

	// both copies of the reliable message are acknowledged
	require.NoError(t, r.Send(c.send))
	sent := c.take()
	require.Len(t, sent, 2)
	assert.Equal(t, carolAddr, sent[0].addr)
	ack := decode(t, sent[0].data).(*transport.PeerAck)
	assert.Equal(t, transport.PeerAck{GroupID: 3, UserID: 1, Seq: 1}, *ack)
}

func TestWindow(t *testing.T) {
	var w window
	assert.True(t, w.accept(1))
	assert.True(t, w.accept(3))
	assert.True(t, w.accept(2))
	assert.False(t, w.accept(2))
	assert.True(t, w.accept(100))
	assert.False(t, w.accept(30), "too old")
	assert.True(t, w.accept(40))
	assert.False(t, w.accept(100))
}

func TestSendAggregatesErrors(t *testing.T) {
	r, _, _ := newTestRouter(t)
	require.NoError(t, r.SendMessage(3, directory.InvalidID, []byte("x"), time.Time{}, 0))

	calls := 0
	boom := errors.New("socket closed")
	err := r.Send(func([]byte, netip.AddrPort) error {
		calls++
		return boom
	})
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, boom)
}

func TestSendMessageQueueFull(t *testing.T) {
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	r := NewRouter(clk, newTestDirectory(t), nil, cfg)
	var c capture

	require.NoError(t, r.SendMessage(3, 2, []byte("a"), time.Time{}, 0))
	require.NoError(t, r.SendMessage(3, 2, []byte("b"), time.Time{}, 0))
	err := r.SendMessage(3, 2, []byte("c"), time.Time{}, 0)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, status.ErrInvalidState)
	assert.Equal(t, 2, r.Pending())

	require.NoError(t, r.Send(c.send))
	assert.Len(t, c.take(), 2)
	assert.Equal(t, 0, r.Pending())
	require.NoError(t, r.SendMessage(3, 2, []byte("c"), time.Time{}, 0))
}

func TestScheduledMessageFreesSlot(t *testing.T) {
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	r := NewRouter(clk, newTestDirectory(t), nil, cfg)
	var c capture

	data := []byte("later")
	require.NoError(t, r.SendMessage(3, 2, data, clk.Now().Add(time.Second), 0))
	require.NoError(t, r.Send(c.send))
	assert.Empty(t, c.take())

	// the slot is reusable while the scheduled message keeps its own copy
	require.NoError(t, r.SendMessage(3, 2, []byte("XXXXX"), time.Time{}, 0))
	clk.Add(time.Second)
	require.NoError(t, r.Send(c.send))
	sent := c.take()
	require.Len(t, sent, 2)
	assert.Equal(t, []byte("XXXXX"), decode(t, sent[0].data).(*transport.PeerMessage).Data)
	assert.Equal(t, data, decode(t, sent[1].data).(*transport.PeerMessage).Data)
}

func TestSendMessageDoesNotAllocate(t *testing.T) {
	r, _, _ := newTestRouter(t)
	data := make([]byte, limits.MaxMessageSize)
	var c capture

	allocs := testing.AllocsPerRun(100, func() {
		if err := r.SendMessage(3, 2, data, time.Time{}, FlagReliable); err != nil {
			t.Fatal(err)
		}
		r.intake.Release()
	})
	assert.Zero(t, allocs)
	require.NoError(t, r.Send(c.send))
	assert.Empty(t, c.take())
}

func TestUnreachablePeerIsNotCounted(t *testing.T) {
	clk := clock.NewMock()
	d := directory.New()
	require.NoError(t, d.Update(func(tx *directory.Tx) error {
		require.NoError(t, tx.AddGroup(directory.Group{ID: 3, Name: "studio", UserID: 1, UserName: "alice"}))
		require.NoError(t, tx.AddPeer(directory.Peer{GroupID: 3, UserID: 2, UserName: "bob", Address: bobAddr}))
		return tx.AddPeer(directory.Peer{GroupID: 3, UserID: 6, UserName: "erin", Address: relayAddr, Relayed: true})
	}))
	r := NewRouter(clk, d, nil, DefaultConfig())
	var c capture

	require.NoError(t, r.SendMessage(3, directory.InvalidID, []byte("x"), time.Time{}, FlagAllowRelay|FlagReliable))
	require.NoError(t, r.Send(c.send))
	sent := c.take()
	require.Len(t, sent, 1)
	assert.Equal(t, bobAddr, sent[0].addr)
	assert.Equal(t, uint64(1), r.Stats().Sent)
	assert.Equal(t, 1, r.InFlight(), "nothing is tracked for a peer that cannot be addressed")
}

func TestInboundFromForeignAddressIsIgnored(t *testing.T) {
	r, _, ev := newTestRouter(t)
	var c capture
	mallory := netip.MustParseAddrPort("198.51.100.66:4000")

	r.HandleMessage(&transport.PeerMessage{GroupID: 3, UserID: 2, Seq: 1, Data: []byte("spoofed")}, mallory)
	assert.Empty(t, ev.list)
	require.NoError(t, r.Send(c.send))
	assert.Empty(t, c.take(), "spoofed reliable message is not acknowledged")

	// a relayed peer is accepted from its own address, as stamped by the relay
	r.HandleMessage(&transport.PeerMessage{GroupID: 5, UserID: 7, Data: []byte("relayed")}, daveAddr)
	require.Len(t, ev.list, 1)
	assert.Equal(t, []byte("relayed"), ev.list[0].(event.MessageReceived).Data)

	require.NoError(t, r.SendMessage(3, 2, []byte("x"), time.Time{}, FlagReliable))
	require.NoError(t, r.Send(c.send))
	c.take()
	r.HandleAck(&transport.PeerAck{GroupID: 3, UserID: 2, Seq: 1}, mallory)
	assert.Equal(t, 1, r.InFlight())
	r.HandleAck(&transport.PeerAck{GroupID: 3, UserID: 2, Seq: 1}, bobAddr)
	assert.Equal(t, 0, r.InFlight())
}
