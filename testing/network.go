package testing

import (
	"bytes"
	"fmt"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Itukii/sonobus/transport"
)

// Node receives datagrams from the simulated network.
type Node interface {
	HandleMessage(data []byte, addr netip.AddrPort) error
}

// Datagram is one datagram in flight.
type Datagram struct {
	From netip.AddrPort
	To   netip.AddrPort
	Data []byte
}

// Type returns the packet type of the datagram, or 0 when it is empty.
func (d Datagram) Type() transport.PacketType {
	if len(d.Data) == 0 {
		return 0
	}
	return transport.PacketType(d.Data[0])
}

// DeliveryRecord represents a datagram delivery for test verification.
type DeliveryRecord struct {
	From      netip.AddrPort
	To        netip.AddrPort
	Type      transport.PacketType
	Size      int
	Delivered bool
	Error     error
}

// Filter decides whether a datagram is delivered.
type Filter func(d Datagram) bool

// Network is an in-memory datagram network. Sends are queued and delivered
// by Flush on the calling goroutine, so tests control exactly when nodes
// see their input.
type Network struct {
	mu     sync.Mutex
	nodes  map[netip.AddrPort]Node
	queue  []Datagram
	log    []DeliveryRecord
	filter Filter
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[netip.AddrPort]Node)}
}

// Attach makes node reachable at addr.
func (n *Network) Attach(addr netip.AddrPort, node Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[addr] = node
}

// Detach removes the node at addr. Datagrams to it are dropped.
func (n *Network) Detach(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

// SetFilter installs f; datagrams it rejects are dropped. Nil delivers
// everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// SendFunc returns the send function of a node at from.
func (n *Network) SendFunc(from netip.AddrPort) transport.SendFunc {
	return func(data []byte, to netip.AddrPort) error {
		if !to.IsValid() {
			return fmt.Errorf("send to invalid address %v", to)
		}
		n.mu.Lock()
		n.queue = append(n.queue, Datagram{From: from, To: to, Data: bytes.Clone(data)})
		n.mu.Unlock()
		return nil
	}
}

// Pending returns the number of queued datagrams.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Flush delivers queued datagrams, including those sent while delivering,
// until the queue is empty or maxRounds rounds passed. It returns the
// number of datagrams delivered.
func (n *Network) Flush(maxRounds int) int {
	delivered := 0
	for round := 0; round < maxRounds; round++ {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()
		if len(batch) == 0 {
			break
		}
		for _, d := range batch {
			if n.deliver(d) {
				delivered++
			}
		}
	}
	return delivered
}

func (n *Network) deliver(d Datagram) bool {
	n.mu.Lock()
	node, ok := n.nodes[d.To]
	filter := n.filter
	n.mu.Unlock()

	rec := DeliveryRecord{From: d.From, To: d.To, Type: d.Type(), Size: len(d.Data)}
	switch {
	case !ok:
		rec.Error = fmt.Errorf("no node at %v", d.To)
	case filter != nil && !filter(d):
		rec.Error = fmt.Errorf("filtered")
	default:
		rec.Delivered = true
		if err := node.HandleMessage(d.Data, d.From); err != nil {
			rec.Error = err
			logrus.WithFields(logrus.Fields{
				"function": "Network.deliver",
				"from":     d.From,
				"to":       d.To,
				"type":     rec.Type,
				"error":    err,
			}).Debug("Node rejected datagram")
		}
	}

	n.mu.Lock()
	n.log = append(n.log, rec)
	n.mu.Unlock()
	return rec.Delivered
}

// Deliveries returns a copy of the delivery log.
func (n *Network) Deliveries() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeliveryRecord, len(n.log))
	copy(out, n.log)
	return out
}

// CountDelivered returns the number of delivered datagrams of type t
// between from and to. A zero address matches any address.
func (n *Network) CountDelivered(t transport.PacketType, from, to netip.AddrPort) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, rec := range n.log {
		if !rec.Delivered || rec.Type != t {
			continue
		}
		if from.IsValid() && rec.From != from {
			continue
		}
		if to.IsValid() && rec.To != to {
			continue
		}
		count++
	}
	return count
}

// ClearLog empties the delivery log.
func (n *Network) ClearLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = nil
}
