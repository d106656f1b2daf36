package av

import (
	"cmp"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/transport"
)

type entry struct {
	id int32
	ep Endpoint
}

// table is an immutable registration set. Entries are sorted by id.
type table struct {
	sources []entry
	sinks   []entry
}

func (t *table) list(kind Kind) []entry {
	if kind == KindSink {
		return t.sinks
	}
	return t.sources
}

// Registry maps local sources and sinks to ids. Lookups read an atomically
// published table and never block; registration takes a short lock.
type Registry struct {
	log *logrus.Entry
	mu  sync.Mutex
	cur atomic.Pointer[table]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{log: logrus.NewEntry(logrus.StandardLogger())}
	r.cur.Store(&table{})
	return r
}

// SetLogger directs log output to log.
func (r *Registry) SetLogger(log *logrus.Entry) {
	r.log = log
}

// AddSource registers src under id.
func (r *Registry) AddSource(src Source, id int32) error {
	return r.add(KindSource, src, id)
}

// RemoveSource unregisters src.
func (r *Registry) RemoveSource(src Source) error {
	return r.remove(KindSource, src)
}

// AddSink registers sink under id.
func (r *Registry) AddSink(sink Sink, id int32) error {
	return r.add(KindSink, sink, id)
}

// RemoveSink unregisters sink.
func (r *Registry) RemoveSink(sink Sink) error {
	return r.remove(KindSink, sink)
}

func (r *Registry) add(kind Kind, ep Endpoint, id int32) error {
	if ep == nil {
		return ErrNilEndpoint
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.cur.Load()
	list := cur.list(kind)
	for _, e := range list {
		if e.id == id || e.ep == ep {
			return ErrAlreadyExists
		}
	}

	i, _ := slices.BinarySearchFunc(list, id, func(e entry, id int32) int {
		return cmp.Compare(e.id, id)
	})
	next := *cur
	updated := slices.Insert(slices.Clone(list), i, entry{id: id, ep: ep})
	if kind == KindSink {
		next.sinks = updated
	} else {
		next.sources = updated
	}
	r.cur.Store(&next)

	r.log.WithFields(logrus.Fields{
		"function": "add",
		"kind":     kind,
		"id":       id,
	}).Debug("Endpoint registered")
	return nil
}

func (r *Registry) remove(kind Kind, ep Endpoint) error {
	if ep == nil {
		return ErrNilEndpoint
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.cur.Load()
	list := cur.list(kind)
	i := slices.IndexFunc(list, func(e entry) bool { return e.ep == ep })
	if i < 0 {
		return ErrNotFound
	}

	next := *cur
	updated := slices.Delete(slices.Clone(list), i, i+1)
	if kind == KindSink {
		next.sinks = updated
	} else {
		next.sources = updated
	}
	r.cur.Store(&next)

	r.log.WithFields(logrus.Fields{
		"function": "remove",
		"kind":     kind,
		"id":       list[i].id,
	}).Debug("Endpoint unregistered")
	return nil
}

// Lookup returns the endpoint of the given kind registered under id.
func (r *Registry) Lookup(kind Kind, id int32) (Endpoint, bool) {
	for _, e := range r.cur.Load().list(kind) {
		if e.id == id {
			return e.ep, true
		}
	}
	return nil, false
}

// Len returns the number of registered endpoints of a kind.
func (r *Registry) Len(kind Kind) int {
	return len(r.cur.Load().list(kind))
}

// Dispatch hands an inbound endpoint datagram to its endpoint. It reports
// false when no endpoint is registered under the id.
func (r *Registry) Dispatch(msg *transport.EndpointData, addr netip.AddrPort) (bool, error) {
	kind := KindSource
	if msg.Sink {
		kind = KindSink
	}
	ep, ok := r.Lookup(kind, msg.ID)
	if !ok {
		return false, nil
	}
	return true, ep.HandleMessage(msg.Payload, addr)
}

// Send lets every source, then every sink, emit its datagrams. It calls
// each endpoint even if an earlier one fails and returns all errors.
func (r *Registry) Send(fn transport.SendFunc) []error {
	t := r.cur.Load()
	var errs []error
	for _, list := range [][]entry{t.sources, t.sinks} {
		for _, e := range list {
			if err := e.ep.Send(fn); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// NotifyAddress tells every endpoint implementing AddressObserver about a
// peer address change.
func (r *Registry) NotifyAddress(group, user directory.ID, addr netip.AddrPort, relayed bool) {
	t := r.cur.Load()
	for _, list := range [][]entry{t.sources, t.sinks} {
		for _, e := range list {
			if o, ok := e.ep.(AddressObserver); ok {
				o.PeerAddressChanged(group, user, addr, relayed)
			}
		}
	}
}
