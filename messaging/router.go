package messaging

import (
	"bytes"
	"container/heap"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/limits"
	"github.com/Itukii/sonobus/queue"
	"github.com/Itukii/sonobus/status"
	"github.com/Itukii/sonobus/transport"
)

// Flags control message delivery.
type Flags uint32

const (
	// FlagReliable requests acknowledgement and retransmission.
	FlagReliable Flags = 1 << iota
	// FlagAllowRelay permits delivery to peers only reachable via a relay.
	FlagAllowRelay
)

var (
	// ErrMessageDropped is reported through an event.Error when a reliable
	// message was not acknowledged after the maximum number of retries.
	ErrMessageDropped = status.New(status.ErrRemote, "reliable message dropped")

	// ErrQueueFull is returned by SendMessage when every message slot is
	// taken until the next Send.
	ErrQueueFull = status.New(status.ErrInvalidState, "message queue full")
)

// Config tunes reliable delivery.
type Config struct {
	// RetryInterval is the time between transmissions of an unacked
	// reliable message.
	RetryInterval time.Duration
	// MaxRetries is the number of retransmissions before a message is
	// dropped.
	MaxRetries int
	// RetryRate and RetryBurst limit retransmissions across all peers.
	RetryRate  rate.Limit
	RetryBurst int
	// QueueSize is the number of messages SendMessage can hold between two
	// Sends. Each slot reserves limits.MaxMessageSize bytes. It is only
	// read by NewRouter.
	QueueSize int
}

// DefaultConfig returns the default reliable delivery settings.
func DefaultConfig() Config {
	return Config{
		RetryInterval: 250 * time.Millisecond,
		MaxRetries:    8,
		RetryRate:     200,
		RetryBurst:    64,
		QueueSize:     64,
	}
}

// Stats are cumulative router counters.
type Stats struct {
	Sent        uint64
	Received    uint64
	Retransmits uint64
	Dropped     uint64
	Duplicates  uint64
}

// slot is a preallocated SendMessage entry.
type slot struct {
	group directory.ID
	user  directory.ID
	due   time.Time
	flags Flags
	seq   uint64
	n     int
	data  [limits.MaxMessageSize]byte
}

type outgoing struct {
	group directory.ID
	user  directory.ID
	data  []byte
	due   time.Time // zero for immediate delivery
	flags Flags
	seq   uint64 // submission order, breaks ties in the schedule
}

// schedule is a min-heap of future messages ordered by due time.
type schedule []*outgoing

func (s schedule) Len() int { return len(s) }
func (s schedule) Less(i, j int) bool {
	if s[i].due.Equal(s[j].due) {
		return s[i].seq < s[j].seq
	}
	return s[i].due.Before(s[j].due)
}
func (s schedule) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s *schedule) Push(x any)   { *s = append(*s, x.(*outgoing)) }
func (s *schedule) Pop() any {
	old := *s
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*s = old[:n-1]
	return x
}

type inflight struct {
	peer     directory.Key
	seq      uint32
	datagram []byte
	lastSent time.Time
	retries  int
	acked    bool
}

type inflightKey struct {
	peer directory.Key
	seq  uint32
}

type control struct {
	peer     directory.Key
	datagram []byte
}

// window drops duplicate sequence numbers within the last 64 received.
type window struct {
	highest uint32
	mask    uint64
}

// accept records seq and reports whether it was seen before.
func (w *window) accept(seq uint32) bool {
	if seq > w.highest {
		shift := seq - w.highest
		if shift >= 64 {
			w.mask = 0
		} else {
			w.mask <<= shift
		}
		w.mask |= 1
		w.highest = seq
		return true
	}
	diff := w.highest - seq
	if diff >= 64 {
		return false
	}
	bit := uint64(1) << diff
	if w.mask&bit != 0 {
		return false
	}
	w.mask |= bit
	return true
}

// Router sends user messages to peers resolved through the directory and
// receives their messages. SendMessage is lock-free; Send and HandleMessage
// run on the network goroutine(s).
type Router struct {
	log     *logrus.Entry
	clock   clock.Clock
	dir     *directory.Directory
	emit    func(event.Event)
	intake  *queue.Ring[slot]
	control *queue.MPSC[control]
	submits atomic.Uint64
	reset   atomic.Bool

	// owned by Send
	pending schedule

	mu       sync.Mutex
	config   Config
	limiter  *rate.Limiter
	nextSeq  map[directory.Key]uint32
	windows  map[directory.Key]*window
	inflight []*inflight
	byKey    map[inflightKey]*inflight

	sent        atomic.Uint64
	received    atomic.Uint64
	retransmits atomic.Uint64
	dropped     atomic.Uint64
	duplicates  atomic.Uint64
}

// NewRouter creates a router over dir. Events are passed to emit.
func NewRouter(clk clock.Clock, dir *directory.Directory, emit func(event.Event), cfg Config) *Router {
	if clk == nil {
		clk = clock.New()
	}
	if emit == nil {
		emit = func(event.Event) {}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultConfig().QueueSize
	}
	return &Router{
		log:     logrus.NewEntry(logrus.StandardLogger()),
		clock:   clk,
		dir:     dir,
		emit:    emit,
		intake:  queue.NewRing[slot](size),
		control: queue.New[control](),
		config:  cfg,
		limiter: rate.NewLimiter(cfg.RetryRate, cfg.RetryBurst),
		nextSeq: make(map[directory.Key]uint32),
		windows: make(map[directory.Key]*window),
		byKey:   make(map[inflightKey]*inflight),
	}
}

// SetLogger directs the router's log output to log. It must be called
// before the router is used.
func (r *Router) SetLogger(log *logrus.Entry) {
	r.log = log
}

// SetConfig replaces the reliable delivery settings. QueueSize is fixed at
// construction.
func (r *Router) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
	r.limiter.SetLimit(cfg.RetryRate)
	r.limiter.SetBurst(cfg.RetryBurst)
}

// Config returns the reliable delivery settings.
func (r *Router) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// SendMessage queues data for the given group and user; either may be
// directory.InvalidID to address all groups or all users. A zero ts sends
// at the next Send, a future ts holds the message until then. The data is
// copied into a preallocated slot: SendMessage never blocks, takes no lock
// and does not allocate. It fails with ErrQueueFull when all slots are in
// use.
func (r *Router) SendMessage(group, user directory.ID, data []byte, ts time.Time, flags Flags) error {
	if err := limits.ValidateMessage(data); err != nil {
		return err
	}
	s, ticket, ok := r.intake.Reserve()
	if !ok {
		return ErrQueueFull
	}
	s.group = group
	s.user = user
	s.due = ts
	s.flags = flags
	s.seq = r.submits.Add(1)
	s.n = copy(s.data[:], data)
	r.intake.Commit(ticket)
	return nil
}

// Pending returns the number of queued messages not yet taken by Send.
func (r *Router) Pending() int {
	return r.intake.Len()
}

// Send emits due messages, queued acknowledgements and retransmissions.
// Errors from fn are collected and do not stop the pump.
func (r *Router) Send(fn transport.SendFunc) error {
	now := r.clock.Now()
	snap := r.dir.Snapshot()
	var errs error

	if r.reset.Swap(false) {
		clear(r.pending)
		r.pending = r.pending[:0]
	}
	for n := r.intake.Len(); n > 0; n-- {
		s, ok := r.intake.Peek()
		if !ok {
			break
		}
		m := &outgoing{group: s.group, user: s.user, due: s.due, flags: s.flags, seq: s.seq}
		if m.due.IsZero() || !m.due.After(now) {
			// marshaled before the slot is released
			m.data = s.data[:s.n]
			errs = multierr.Append(errs, r.dispatch(snap, m, fn))
		} else {
			m.data = bytes.Clone(s.data[:s.n])
			heap.Push(&r.pending, m)
		}
		r.intake.Release()
	}
	for len(r.pending) > 0 && !r.pending[0].due.After(now) {
		m := heap.Pop(&r.pending).(*outgoing)
		errs = multierr.Append(errs, r.dispatch(snap, m, fn))
	}

	r.control.Drain(r.control.Len(), func(c control) {
		p, ok := snap.Peer(c.peer.Group, c.peer.User)
		if !ok {
			return
		}
		_, err := deliver(&p, c.datagram, fn)
		errs = multierr.Append(errs, err)
	})

	errs = multierr.Append(errs, r.retransmit(snap, now, fn))
	return errs
}

// dispatch resolves the targets of m and sends one datagram per peer.
func (r *Router) dispatch(snap *directory.Snapshot, m *outgoing, fn transport.SendFunc) error {
	var errs error
	var ts int64
	if !m.due.IsZero() {
		ts = m.due.UnixNano()
	}

	visit := func(g directory.Group) {
		snap.EachPeer(g.ID, func(p *directory.Peer) bool {
			if m.user != directory.InvalidID && p.UserID != m.user {
				return true
			}
			if p.Relayed && m.flags&FlagAllowRelay == 0 || !reachable(p) {
				return true
			}
			msg := &transport.PeerMessage{
				GroupID:   int32(g.ID),
				UserID:    int32(g.UserID),
				Timestamp: ts,
				Flags:     uint32(m.flags),
				Data:      m.data,
			}
			if m.flags&FlagReliable != 0 {
				msg.Seq = r.track(p, msg)
			}
			sent, err := deliver(p, transport.Marshal(msg), fn)
			errs = multierr.Append(errs, err)
			if sent {
				r.sent.Add(1)
			}
			return m.user == directory.InvalidID
		})
	}

	if m.group == directory.InvalidID {
		for _, g := range snap.Groups() {
			visit(g)
		}
	} else if g, ok := snap.Group(m.group); ok {
		visit(g)
	}
	return errs
}

// track assigns the next sequence number for p and remembers the message
// for retransmission.
func (r *Router) track(p *directory.Peer, msg *transport.PeerMessage) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := p.Key()
	seq := r.nextSeq[k] + 1
	if seq == 0 {
		seq = 1
	}
	r.nextSeq[k] = seq
	msg.Seq = seq

	f := &inflight{
		peer:     k,
		seq:      seq,
		datagram: transport.Marshal(msg),
		lastSent: r.clock.Now(),
	}
	r.inflight = append(r.inflight, f)
	r.byKey[inflightKey{peer: k, seq: seq}] = f
	return seq
}

func (r *Router) retransmit(snap *directory.Snapshot, now time.Time, fn transport.SendFunc) error {
	type resend struct {
		peer     directory.Peer
		datagram []byte
	}
	var out []resend
	var dropped []*inflight

	r.mu.Lock()
	live := r.inflight[:0]
	for _, f := range r.inflight {
		if f.acked {
			continue
		}
		p, ok := snap.Peer(f.peer.Group, f.peer.User)
		if !ok {
			delete(r.byKey, inflightKey{peer: f.peer, seq: f.seq})
			continue
		}
		if now.Sub(f.lastSent) >= r.config.RetryInterval {
			if f.retries >= r.config.MaxRetries {
				delete(r.byKey, inflightKey{peer: f.peer, seq: f.seq})
				dropped = append(dropped, f)
				continue
			}
			if r.limiter.AllowN(now, 1) {
				f.retries++
				f.lastSent = now
				out = append(out, resend{peer: p, datagram: f.datagram})
			}
		}
		live = append(live, f)
	}
	clear(r.inflight[len(live):])
	r.inflight = live
	r.mu.Unlock()

	var errs error
	for _, s := range out {
		sent, err := deliver(&s.peer, s.datagram, fn)
		errs = multierr.Append(errs, err)
		if sent {
			r.retransmits.Add(1)
		}
	}
	for _, f := range dropped {
		r.dropped.Add(1)
		r.log.WithFields(logrus.Fields{
			"function": "retransmit",
			"group":    f.peer.Group,
			"user":     f.peer.User,
			"seq":      f.seq,
		}).Warn("Dropping unacknowledged message")
		r.emit(event.Error{Err: fmt.Errorf("%w: group %d user %d seq %d",
			ErrMessageDropped, f.peer.Group, f.peer.User, f.seq)})
	}
	return errs
}

// reachable reports whether a datagram can be addressed to p. A relay
// envelope needs the peer's own address as its destination.
func reachable(p *directory.Peer) bool {
	if !p.Relayed {
		return p.Address.IsValid()
	}
	return p.Address.IsValid() && len(p.Addresses) > 0
}

// deliver sends a datagram to a peer, through its relay if needed. It
// reports whether a datagram was handed to fn.
func deliver(p *directory.Peer, datagram []byte, fn transport.SendFunc) (bool, error) {
	if !reachable(p) {
		return false, nil
	}
	if !p.Relayed {
		return true, fn(datagram, p.Address)
	}
	return true, fn(transport.WrapRelay(datagram, p.Addresses[0]), p.Address)
}

// HandleMessage processes a message received from from, the sender's
// address as seen directly or stamped by a relay. Messages from unknown
// peers, or from an address the peer does not own, are ignored. Reliable
// messages are acknowledged and delivered at most once.
func (r *Router) HandleMessage(msg *transport.PeerMessage, from netip.AddrPort) {
	snap := r.dir.Snapshot()
	p, ok := snap.Peer(directory.ID(msg.GroupID), directory.ID(msg.UserID))
	if !ok || !p.HasAddress(from) {
		r.log.WithFields(logrus.Fields{
			"function": "HandleMessage",
			"group":    msg.GroupID,
			"user":     msg.UserID,
			"from":     from,
		}).Debug("Ignoring message from unknown peer")
		return
	}

	if msg.Seq != 0 {
		g, _ := snap.Group(p.GroupID)
		ack := &transport.PeerAck{GroupID: msg.GroupID, UserID: int32(g.UserID), Seq: msg.Seq}
		r.control.Push(control{peer: p.Key(), datagram: transport.Marshal(ack)})

		r.mu.Lock()
		w, ok := r.windows[p.Key()]
		if !ok {
			w = &window{}
			r.windows[p.Key()] = w
		}
		fresh := w.accept(msg.Seq)
		r.mu.Unlock()
		if !fresh {
			r.duplicates.Add(1)
			return
		}
	}

	ts := r.clock.Now()
	if msg.Timestamp != 0 {
		ts = time.Unix(0, msg.Timestamp)
	}
	r.received.Add(1)
	r.emit(event.MessageReceived{
		GroupID:   p.GroupID,
		UserID:    p.UserID,
		Timestamp: ts,
		Flags:     msg.Flags,
		Data:      msg.Data,
	})
}

// HandleAck stops retransmission of an acknowledged message. Acks from an
// address the acknowledging peer does not own are ignored.
func (r *Router) HandleAck(ack *transport.PeerAck, from netip.AddrPort) {
	k := inflightKey{
		peer: directory.Key{Group: directory.ID(ack.GroupID), User: directory.ID(ack.UserID)},
		seq:  ack.Seq,
	}
	if p, ok := r.dir.Snapshot().Peer(k.peer.Group, k.peer.User); !ok || !p.HasAddress(from) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.byKey[k]; ok {
		f.acked = true
		delete(r.byKey, k)
	}
}

// InFlight returns the number of unacknowledged reliable messages.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

// ForgetGroup drops the delivery state of every peer in a group.
func (r *Router) ForgetGroup(group directory.ID) {
	r.forget(func(k directory.Key) bool { return k.Group == group })
}

// ForgetPeer drops the delivery state of one peer.
func (r *Router) ForgetPeer(k directory.Key) {
	r.forget(func(o directory.Key) bool { return o == k })
}

// Reset drops all delivery state. Scheduled messages are discarded by the
// next Send.
func (r *Router) Reset() {
	r.forget(func(directory.Key) bool { return true })
	r.reset.Store(true)
}

func (r *Router) forget(match func(directory.Key) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.nextSeq {
		if match(k) {
			delete(r.nextSeq, k)
		}
	}
	for k := range r.windows {
		if match(k) {
			delete(r.windows, k)
		}
	}
	for k, f := range r.byKey {
		if match(k.peer) {
			f.acked = true
			delete(r.byKey, k)
		}
	}
}

// Stats returns the cumulative counters.
func (r *Router) Stats() Stats {
	return Stats{
		Sent:        r.sent.Load(),
		Received:    r.received.Load(),
		Retransmits: r.retransmits.Load(),
		Dropped:     r.dropped.Load(),
		Duplicates:  r.duplicates.Load(),
	}
}
