package request

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/Itukii/sonobus/status"
	"github.com/Itukii/sonobus/transport"
)

// ErrRequestTimeout resolves requests that got no reply within the
// configured timeout.
var ErrRequestTimeout = status.New(status.ErrRemote, "request timed out")

// Completion receives the server response for a request, or the error that
// resolved it. Both are nil when a disconnect request was given up on.
type Completion func(resp *transport.ServerResponse, err error)

// Observer is told about every resolved request after its completion ran.
// err is the outcome as seen by Check.
type Observer func(id uint32, kind Kind, err error)

// Policy controls retransmission of pending requests.
type Policy struct {
	// ResendInterval is the time between sends of an unanswered request.
	ResendInterval time.Duration
	// Timeout resolves a request with ErrRequestTimeout. Zero disables it.
	Timeout time.Duration
	// DisconnectAttempts is the number of sends after which an unanswered
	// disconnect request completes successfully.
	DisconnectAttempts int
}

// DefaultPolicy returns the default retransmission policy.
func DefaultPolicy() Policy {
	return Policy{
		ResendInterval:     time.Second,
		DisconnectAttempts: 3,
	}
}

type pending struct {
	id       uint32
	kind     Kind
	to       netip.AddrPort
	datagram []byte
	done     Completion
	issued   time.Time
	lastSent time.Time
	attempts int
}

// Ledger tracks outstanding server requests and matches replies to them by
// correlation id. Every issued request is resolved exactly once: by Resolve,
// by AbortAll, by a timeout or, for disconnect requests, by giving up.
// Each request remembers the server it is addressed to, so a request
// outlives a switch to another server without being sent there.
type Ledger struct {
	log      *logrus.Entry
	mu       sync.Mutex
	clock    clock.Clock
	policy   Policy
	nextID   uint32
	pending  map[uint32]*pending
	observer Observer
}

// NewLedger creates an empty ledger.
func NewLedger(clk clock.Clock, policy Policy) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	return &Ledger{
		log:     logrus.NewEntry(logrus.StandardLogger()),
		clock:   clk,
		policy:  policy,
		nextID:  1,
		pending: make(map[uint32]*pending),
	}
}

// SetLogger directs the ledger's log output to log. It must be called
// before the ledger is used.
func (l *Ledger) SetLogger(log *logrus.Entry) {
	l.log = log
}

// SetPolicy replaces the retransmission policy.
func (l *Ledger) SetPolicy(p Policy) {
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
}

// Policy returns the current retransmission policy.
func (l *Ledger) Policy() Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

// SetObserver installs o, replacing any previous observer.
func (l *Ledger) SetObserver(o Observer) {
	l.mu.Lock()
	l.observer = o
	l.mu.Unlock()
}

// Issue registers a request for the server at to. encode builds the
// datagram for the assigned correlation id; it is sent by the next Collect.
func (l *Ledger) Issue(kind Kind, to netip.AddrPort, encode func(id uint32) []byte, done Completion) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.allocID()
	l.pending[id] = &pending{
		id:       id,
		kind:     kind,
		to:       to,
		datagram: encode(id),
		done:     done,
		issued:   l.clock.Now(),
	}

	l.log.WithFields(logrus.Fields{
		"function": "Issue",
		"id":       id,
		"kind":     kind,
		"server":   to,
	}).Debug("Request issued")
	return id
}

// allocID returns the next free id, skipping 0 and ids still outstanding.
func (l *Ledger) allocID() uint32 {
	for {
		id := l.nextID
		l.nextID++
		if id == 0 {
			continue
		}
		if _, busy := l.pending[id]; !busy {
			return id
		}
	}
}

// Resolve completes the request with the given id. It reports false when
// no such request is outstanding, e.g. for a duplicate reply.
func (l *Ledger) Resolve(id uint32, resp *transport.ServerResponse, err error) bool {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()

	if !ok {
		return false
	}
	l.finish(p, resp, err)
	return true
}

// Reply resolves the request with resp.ID if it was addressed to from. It
// reports false for unknown ids and for replies from another server.
func (l *Ledger) Reply(from netip.AddrPort, resp *transport.ServerResponse) bool {
	l.mu.Lock()
	p, ok := l.pending[resp.ID]
	if ok && p.to != from {
		ok = false
	}
	if ok {
		delete(l.pending, resp.ID)
	}
	l.mu.Unlock()

	if !ok {
		return false
	}
	l.finish(p, resp, nil)
	return true
}

// finish runs the completion of a request taken out of the ledger, then
// the observer. It must be called without l.mu held.
func (l *Ledger) finish(p *pending, resp *transport.ServerResponse, err error) {
	if p.done != nil {
		p.done(resp, err)
	}
	l.mu.Lock()
	obs := l.observer
	l.mu.Unlock()
	if obs != nil {
		obs(p.id, p.kind, Check(resp, err))
	}
}

// Kind returns the kind of an outstanding request.
func (l *Ledger) Kind(id uint32) (Kind, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[id]
	if !ok {
		return 0, false
	}
	return p.kind, true
}

// AbortAll resolves every outstanding request with err in id order and
// returns how many were aborted.
func (l *Ledger) AbortAll(err error) int {
	l.mu.Lock()
	aborted := l.takeAll()
	l.mu.Unlock()

	for _, p := range aborted {
		l.finish(p, nil, err)
	}
	if len(aborted) > 0 {
		l.log.WithFields(logrus.Fields{
			"function": "AbortAll",
			"count":    len(aborted),
			"error":    err,
		}).Debug("Aborted pending requests")
	}
	return len(aborted)
}

func (l *Ledger) takeAll() []*pending {
	all := make([]*pending, 0, len(l.pending))
	for _, p := range l.pending {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	clear(l.pending)
	return all
}

// Len returns the number of outstanding requests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Collect passes every datagram due for (re)transmission to send together
// with its server, in id order, and resolves requests that timed out or,
// for disconnects, ran out of attempts. It returns the number of
// retransmissions.
func (l *Ledger) Collect(send func(datagram []byte, to netip.AddrPort)) int {
	type expiry struct {
		p   *pending
		err error
	}

	l.mu.Lock()
	now := l.clock.Now()
	due := make([]*pending, 0, len(l.pending))
	for _, p := range l.pending {
		due = append(due, p)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })

	var expired []expiry
	var out []*pending
	resent := 0
	for _, p := range due {
		if p.attempts > 0 && now.Sub(p.lastSent) < l.policy.ResendInterval {
			if l.policy.Timeout > 0 && now.Sub(p.issued) >= l.policy.Timeout {
				delete(l.pending, p.id)
				expired = append(expired, expiry{p: p, err: ErrRequestTimeout})
			}
			continue
		}
		switch {
		case p.kind == KindDisconnect && p.attempts >= l.policy.DisconnectAttempts:
			delete(l.pending, p.id)
			expired = append(expired, expiry{p: p})
			continue
		case l.policy.Timeout > 0 && now.Sub(p.issued) >= l.policy.Timeout:
			delete(l.pending, p.id)
			expired = append(expired, expiry{p: p, err: ErrRequestTimeout})
			continue
		}
		if p.attempts > 0 {
			resent++
		}
		p.attempts++
		p.lastSent = now
		out = append(out, p)
	}
	l.mu.Unlock()

	for _, p := range out {
		send(p.datagram, p.to)
	}
	for _, e := range expired {
		l.log.WithFields(logrus.Fields{
			"function": "Collect",
			"id":       e.p.id,
			"kind":     e.p.kind,
			"attempts": e.p.attempts,
		}).Debug("Request expired")
		l.finish(e.p, nil, e.err)
	}
	return resent
}

// Check turns a server response carrying a non-zero code into a
// *status.RemoteError. A non-nil err is returned unchanged.
func Check(resp *transport.ServerResponse, err error) error {
	if err != nil {
		return err
	}
	if resp != nil && resp.Code != 0 {
		return &status.RemoteError{Code: resp.Code, Message: resp.Message}
	}
	return nil
}
