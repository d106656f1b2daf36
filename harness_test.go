package sonobus

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/request"
	simnet "github.com/Itukii/sonobus/testing"
)

var (
	serverAddr = netip.MustParseAddrPort("203.0.113.10:10998")
	aliceAddr  = netip.MustParseAddrPort("192.0.2.1:4000")
	bobAddr    = netip.MustParseAddrPort("192.0.2.2:4000")
	carolAddr  = netip.MustParseAddrPort("192.0.2.3:4000")
)

// recorder collects events delivered in immediate mode.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) kinds() []event.Kind {
	var out []event.Kind
	for _, e := range r.all() {
		out = append(out, e.Kind())
	}
	return out
}

func (r *recorder) count(k event.Kind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// callbacks counts request completions.
type callbacks struct {
	mu      sync.Mutex
	results []request.Result
}

func (c *callbacks) cb() request.Callback {
	return func(resp request.Response, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.results = append(c.results, request.Result{Response: resp, Err: err})
	}
}

func (c *callbacks) all() []request.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]request.Result(nil), c.results...)
}

type peer struct {
	*Session
	addr   netip.AddrPort
	events *recorder
}

type harness struct {
	t      *testing.T
	clock  *clock.Mock
	net    *simnet.Network
	server *simnet.Server
	peers  []*peer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, clock: clock.NewMock(), net: simnet.NewNetwork()}
	h.server = simnet.NewServer(serverAddr, h.net.SendFunc(serverAddr))
	h.net.Attach(serverAddr, h.server)
	return h
}

func (h *harness) options(rec *recorder) *Options {
	opts := NewOptions()
	opts.Clock = h.clock
	opts.EventMode = event.ModeImmediate
	opts.EventHandler = rec.handle
	return opts
}

func (h *harness) client(addr netip.AddrPort, configure ...func(*Options)) *peer {
	h.t.Helper()
	rec := &recorder{}
	opts := h.options(rec)
	for _, fn := range configure {
		fn(opts)
	}
	s, err := New(opts)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = s.Close() })

	p := &peer{Session: s, addr: addr, events: rec}
	h.net.Attach(addr, s)
	h.peers = append(h.peers, p)
	return p
}

// pump lets every client send and delivers the traffic, rounds times.
func (h *harness) pump(rounds int) {
	for i := 0; i < rounds; i++ {
		for _, p := range h.peers {
			_ = p.Send(h.net.SendFunc(p.addr))
		}
		h.net.Flush(8)
	}
}

// advance moves the clock in steps, pumping after each step.
func (h *harness) advance(total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		h.clock.Add(step)
		h.pump(2)
	}
}

func (h *harness) connect(p *peer) {
	h.t.Helper()
	var cbs callbacks
	require.NoError(h.t, p.Connect(serverAddr.Addr().String(), int(serverAddr.Port()), "", nil, cbs.cb()))
	h.pump(2)
	require.Len(h.t, cbs.all(), 1)
	require.NoError(h.t, cbs.all()[0].Err)
	require.Equal(h.t, Connected, p.State())
}

func (h *harness) join(p *peer, groupName, userName string) *request.JoinResponse {
	h.t.Helper()
	var cbs callbacks
	require.NoError(h.t, p.JoinGroup(request.Join{GroupName: groupName, UserName: userName}, cbs.cb()))
	h.pump(2)
	res := cbs.all()
	require.Len(h.t, res, 1)
	require.NoError(h.t, res[0].Err)
	return res[0].Response.(*request.JoinResponse)
}

func peerIDs(p *peer, group directory.ID) []directory.ID {
	var ids []directory.ID
	for _, pr := range p.dir.Snapshot().Peers(group) {
		ids = append(ids, pr.UserID)
	}
	return ids
}
