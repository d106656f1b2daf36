package sonobus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/limits"
	"github.com/Itukii/sonobus/request"
	"github.com/Itukii/sonobus/status"
	simnet "github.com/Itukii/sonobus/testing"
	"github.com/Itukii/sonobus/transport"
)

func TestNewOptions(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, ProtocolVersion, opts.Version)
	assert.True(t, opts.RelayEnabled)
	assert.NotNil(t, opts.Resolver)

	opts.ServerTimeout = 0
	_, err := New(opts)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	s, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, event.ModeNone, s.events.Mode())
	require.NoError(t, s.Close())
}

func TestConnectValidation(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)

	tests := []struct {
		name     string
		host     string
		port     int
		password string
		metadata []byte
	}{
		{"empty host", "", 10998, "", nil},
		{"port zero", "203.0.113.10", 0, "", nil},
		{"port too large", "203.0.113.10", 70000, "", nil},
		{"password too long", "203.0.113.10", 10998, string(make([]byte, limits.MaxPasswordLength+1)), nil},
		{"metadata too large", "203.0.113.10", 10998, "", make([]byte, limits.MaxMetadataSize+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := alice.Connect(tt.host, tt.port, tt.password, tt.metadata, nil)
			assert.ErrorIs(t, err, status.ErrInvalidArgument)
			assert.Equal(t, Disconnected, alice.State())
		})
	}
	assert.Empty(t, alice.events.all())
}

func TestConnectLifecycle(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)

	var cbs callbacks
	require.NoError(t, alice.Connect("203.0.113.10", 10998, "", []byte("hello"), cbs.cb()))
	assert.Equal(t, Connecting, alice.State())
	assert.ErrorIs(t, alice.Connect("203.0.113.10", 10998, "", nil, nil), ErrConnectInProgress)

	h.pump(1)

	res := cbs.all()
	require.Len(t, res, 1)
	require.NoError(t, res[0].Err)
	resp := res[0].Response.(*request.ConnectResponse)
	assert.EqualValues(t, 1, resp.ClientID)
	assert.Equal(t, []byte("hello"), resp.Metadata)
	assert.Equal(t, Connected, alice.State())
	assert.EqualValues(t, 1, alice.ClientID())
	assert.ErrorIs(t, alice.Connect("203.0.113.10", 10998, "", nil, nil), ErrAlreadyConnected)

	reqs := h.server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, transport.RequestConnect, reqs[0].Kind)
	assert.Equal(t, alice.token, reqs[0].Token)
	assert.Equal(t, ProtocolVersion, reqs[0].Version)

	assert.Equal(t, []event.Kind{
		event.KindConnectionStateChanged,
		event.KindConnectionStateChanged,
		event.KindRequestCompleted,
	}, alice.events.kinds())
	evs := alice.events.all()
	assert.Equal(t, event.ConnectionStateChanged{State: Connecting}, evs[0])
	assert.Equal(t, event.ConnectionStateChanged{State: Connected}, evs[1])
	assert.Equal(t, request.KindConnect, evs[2].(event.RequestCompleted).Request)
}

func TestConnectWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.server.SetPassword("secret")
	alice := h.client(aliceAddr)

	var cbs callbacks
	require.NoError(t, alice.Connect("203.0.113.10", 10998, "guess", nil, cbs.cb()))
	h.pump(1)

	res := cbs.all()
	require.Len(t, res, 1)
	assert.Nil(t, res[0].Response)
	var remote *status.RemoteError
	require.True(t, errors.As(res[0].Err, &remote))
	assert.Equal(t, simnet.CodeWrongPassword, remote.Code)
	assert.Equal(t, Disconnected, alice.State())

	require.NoError(t, alice.Connect("203.0.113.10", 10998, "secret", nil, cbs.cb()))
	h.pump(1)
	assert.Equal(t, Connected, alice.State())
}

func TestConnectResolvesHostNames(t *testing.T) {
	h := newHarness(t)
	lookups := 0
	alice := h.client(aliceAddr, func(o *Options) {
		o.Resolver = func(ctx context.Context, host string) ([]netip.Addr, error) {
			lookups++
			if host == "rendezvous.test" {
				return []netip.Addr{serverAddr.Addr()}, nil
			}
			return nil, errors.New("no such host")
		}
	})

	var cbs callbacks
	require.NoError(t, alice.Connect("rendezvous.test", 10998, "", nil, cbs.cb()))
	h.pump(1)
	assert.Empty(t, h.server.Requests(), "nothing is sent before the host is resolved")

	require.NoError(t, alice.Run(false))
	h.pump(1)
	require.Len(t, cbs.all(), 1)
	assert.Equal(t, Connected, alice.State())

	var dcbs callbacks
	require.NoError(t, alice.Disconnect(dcbs.cb()))
	h.pump(1)
	require.Len(t, dcbs.all(), 1)

	// cached
	require.NoError(t, alice.Connect("rendezvous.test", 10998, "", nil, cbs.cb()))
	h.pump(1)
	assert.Equal(t, Connected, alice.State())
	assert.Equal(t, 1, lookups)
	require.NoError(t, alice.Disconnect(nil))

	require.NoError(t, alice.Connect("unknown.test", 10998, "", nil, cbs.cb()))
	require.NoError(t, alice.Run(false))
	res := cbs.all()
	require.Len(t, res, 3)
	assert.ErrorIs(t, res[2].Err, ErrHostResolution)
	assert.Equal(t, Disconnected, alice.State())
}

func TestDisconnectAbortsPendingRequests(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)
	h.connect(alice)
	h.join(alice, "studio", "alice")

	var joins, customs, leaves, disconnects callbacks
	require.NoError(t, alice.JoinGroup(request.Join{GroupName: "other", UserName: "alice"}, joins.cb()))
	require.NoError(t, alice.SendCustomRequest([]byte("ping"), 1, customs.cb()))
	require.NoError(t, alice.LeaveGroup(1, leaves.cb()))
	alice.events.reset()

	require.NoError(t, alice.Disconnect(disconnects.cb()))
	assert.Equal(t, Disconnected, alice.State())

	for _, c := range []*callbacks{&joins, &customs, &leaves} {
		res := c.all()
		require.Len(t, res, 1)
		assert.ErrorIs(t, res[0].Err, ErrConnectionClosed)
		assert.Nil(t, res[0].Response)
	}
	assert.Empty(t, disconnects.all(), "waits for the server")
	assert.Zero(t, alice.dir.Snapshot().NumGroups())
	assert.Equal(t, 1, alice.events.count(event.KindGroupLeft))
	assert.Equal(t, 3, alice.events.count(event.KindRequestCompleted))

	h.pump(2)
	res := disconnects.all()
	require.Len(t, res, 1)
	assert.NoError(t, res[0].Err)
	assert.IsType(t, &request.DisconnectResponse{}, res[0].Response)
	assert.Zero(t, h.server.Clients())

	// exactly once
	h.advance(5*time.Second, time.Second)
	for _, c := range []*callbacks{&joins, &customs, &leaves, &disconnects} {
		assert.Len(t, c.all(), 1)
	}
}

func TestDisconnectWhileConnecting(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)

	var connects, disconnects callbacks
	require.NoError(t, alice.Connect("203.0.113.10", 10998, "", nil, connects.cb()))
	require.NoError(t, alice.Disconnect(disconnects.cb()))

	require.Len(t, connects.all(), 1)
	assert.ErrorIs(t, connects.all()[0].Err, ErrConnectionClosed)
	require.Len(t, disconnects.all(), 1)
	assert.NoError(t, disconnects.all()[0].Err)

	h.pump(2)
	assert.Empty(t, h.server.Requests())
	assert.Equal(t, Disconnected, alice.State())
	assert.ErrorIs(t, alice.Disconnect(nil), ErrNotConnected)
}

func TestDisconnectGivesUpOnSilentServer(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)
	h.connect(alice)
	h.server.SetSilent(true)

	var cbs callbacks
	require.NoError(t, alice.Disconnect(cbs.cb()))
	h.advance(5*time.Second, 500*time.Millisecond)

	res := cbs.all()
	require.Len(t, res, 1)
	assert.NoError(t, res[0].Err)
}

func TestKeepaliveAndServerTimeout(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)
	h.connect(alice)
	h.join(alice, "studio", "alice")

	h.advance(30*time.Second, time.Second)
	assert.Equal(t, Connected, alice.State(), "pongs keep the connection alive")
	assert.GreaterOrEqual(t, h.net.CountDelivered(transport.PacketServerPing, aliceAddr, serverAddr), 6)

	var cbs callbacks
	require.NoError(t, alice.SendCustomRequest(nil, 0, cbs.cb()))
	h.server.SetSilent(true)
	alice.events.reset()
	h.advance(21*time.Second, time.Second)

	assert.Equal(t, Disconnected, alice.State())
	require.Len(t, cbs.all(), 1)
	assert.ErrorIs(t, cbs.all()[0].Err, status.ErrConnectionClosed)

	var lost *event.Disconnected
	var left *event.GroupLeft
	for _, e := range alice.events.all() {
		switch e := e.(type) {
		case event.Disconnected:
			lost = &e
		case event.GroupLeft:
			left = &e
		}
	}
	require.NotNil(t, lost)
	assert.ErrorIs(t, lost.Err, ErrConnectionLost)
	require.NotNil(t, left)
	assert.ErrorIs(t, left.Err, ErrConnectionLost)
}

func TestServerPingIsAnswered(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)
	h.connect(alice)

	require.NoError(t, alice.HandleMessage(transport.Marshal(&transport.ServerPing{}), serverAddr))
	h.pump(1)
	assert.Equal(t, 1, h.net.CountDelivered(transport.PacketServerPong, aliceAddr, serverAddr))
}

func TestCustomRequest(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)

	assert.ErrorIs(t, alice.SendCustomRequest([]byte("x"), 0, nil), ErrNotConnected)
	h.connect(alice)
	assert.ErrorIs(t, alice.SendCustomRequest(make([]byte, limits.MaxMessageSize+1), 0, nil), status.ErrInvalidArgument)

	var cbs callbacks
	require.NoError(t, alice.SendCustomRequest([]byte("status"), 9, cbs.cb()))
	h.pump(1)

	res := cbs.all()
	require.Len(t, res, 1)
	require.NoError(t, res[0].Err)
	assert.Equal(t, &request.CustomResponse{Data: []byte("status"), Flags: 9}, res[0].Response)
}

func TestRequestsRacingDisconnectAreAborted(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)
	h.connect(alice)

	var cbs callbacks
	var issued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				var err error
				if j%2 == 0 {
					err = alice.SendCustomRequest([]byte("x"), 0, cbs.cb())
				} else {
					name := fmt.Sprintf("g%d-%d", i, j)
					err = alice.JoinGroup(request.Join{GroupName: name, UserName: "alice"}, cbs.cb())
				}
				if err == nil {
					issued.Add(1)
				}
			}
		}(i)
	}
	require.NoError(t, alice.Disconnect(nil))
	wg.Wait()

	// whatever got in before the disconnect was aborted by it
	res := cbs.all()
	assert.Len(t, res, int(issued.Load()))
	for _, r := range res {
		assert.ErrorIs(t, r.Err, ErrConnectionClosed)
	}
	assert.LessOrEqual(t, alice.ledger.Len(), 1, "only the disconnect is pending")
	assert.Zero(t, alice.dir.Snapshot().NumGroups())
}

func TestDisconnectIsSentToPreviousServer(t *testing.T) {
	h := newHarness(t)
	backupAddr := netip.MustParseAddrPort("198.51.100.20:10998")
	backup := simnet.NewServer(backupAddr, h.net.SendFunc(backupAddr))
	h.net.Attach(backupAddr, backup)

	alice := h.client(aliceAddr)
	h.connect(alice)

	var disconnects, connects callbacks
	require.NoError(t, alice.Disconnect(disconnects.cb()))
	require.NoError(t, alice.Connect(backupAddr.Addr().String(), int(backupAddr.Port()), "", nil, connects.cb()))
	h.pump(2)

	require.Len(t, disconnects.all(), 1)
	assert.NoError(t, disconnects.all()[0].Err)
	require.Len(t, connects.all(), 1)
	assert.NoError(t, connects.all()[0].Err)
	assert.Equal(t, Connected, alice.State())

	kinds := func(reqs []transport.ServerRequest) []transport.RequestKind {
		var out []transport.RequestKind
		for _, r := range reqs {
			out = append(out, r.Kind)
		}
		return out
	}
	assert.Equal(t, []transport.RequestKind{transport.RequestConnect, transport.RequestDisconnect}, kinds(h.server.Requests()))
	assert.Equal(t, []transport.RequestKind{transport.RequestConnect}, kinds(backup.Requests()))
	assert.Zero(t, h.server.Clients())
	assert.Equal(t, 1, backup.Clients())
}

func TestComponentsLogThroughOptionsLogger(t *testing.T) {
	h := newHarness(t)
	var buf syncBuffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	alice := h.client(aliceAddr, func(o *Options) { o.Logger = logger })
	h.connect(alice)
	h.join(alice, "studio", "alice")

	out := buf.String()
	for _, msg := range []string{"Event delivery mode selected", "Request issued", "Joining group", "Connected to server"} {
		assert.Contains(t, out, msg)
	}
	assert.Contains(t, out, "session=")
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type unknownRequest struct{}

func (unknownRequest) Kind() request.Kind { return 99 }

func TestSendRequestDispatch(t *testing.T) {
	h := newHarness(t)
	alice := h.client(aliceAddr)

	assert.ErrorIs(t, alice.SendRequest(nil, nil), status.ErrInvalidArgument)
	assert.ErrorIs(t, alice.SendRequest(unknownRequest{}, nil), status.ErrNotImplemented)
	assert.ErrorIs(t, alice.SendRequest(&request.Join{GroupName: "studio", UserName: "alice"}, nil), ErrNotConnected)

	var cbs callbacks
	require.NoError(t, alice.SendRequest(&request.Connect{Host: "203.0.113.10", Port: 10998}, cbs.cb()))
	h.pump(1)
	require.NoError(t, alice.SendRequest(&request.Join{GroupName: "studio", UserName: "alice"}, cbs.cb()))
	require.NoError(t, alice.SendRequest(&request.Custom{Data: []byte("x")}, cbs.cb()))
	h.pump(1)
	require.NoError(t, alice.SendRequest(&request.Leave{GroupID: 1}, cbs.cb()))
	h.pump(1)
	require.NoError(t, alice.SendRequest(&request.Disconnect{}, cbs.cb()))
	h.pump(1)

	var kinds []request.Kind
	for _, r := range cbs.all() {
		require.NoError(t, r.Err)
		kinds = append(kinds, r.Response.Kind())
	}
	assert.Equal(t, []request.Kind{
		request.KindConnect, request.KindJoin, request.KindCustom, request.KindLeave, request.KindDisconnect,
	}, kinds)
}
