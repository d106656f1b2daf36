package group

import (
	"net/netip"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/transport"
)

type handshake struct {
	started  time.Time
	lastPing time.Time
}

func (m *Manager) startHandshakes(peers []directory.Peer) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range peers {
		if peers[i].Connected {
			continue
		}
		m.handshakes[peers[i].Key()] = &handshake{started: now}
	}
}

// Handshaking returns the number of peers still being probed.
func (m *Manager) Handshaking() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handshakes)
}

type ping struct {
	peer  directory.Peer
	local directory.ID
}

// Send pings the candidate addresses of unconnected peers, resolves
// handshake timeouts and flushes queued pongs.
func (m *Manager) Send(fn transport.SendFunc) error {
	now := m.clock.Now()
	snap := m.dir.Snapshot()

	var pings []ping
	var expired []directory.Key

	m.mu.Lock()
	cfg := m.config
	keys := make([]directory.Key, 0, len(m.handshakes))
	for k := range m.handshakes {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b directory.Key) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	for _, k := range keys {
		hs := m.handshakes[k]
		p, ok := snap.Peer(k.Group, k.User)
		g, gok := snap.Group(k.Group)
		if !ok || !gok || p.Connected {
			delete(m.handshakes, k)
			continue
		}
		if now.Sub(hs.started) >= cfg.HandshakeTimeout {
			delete(m.handshakes, k)
			expired = append(expired, k)
			continue
		}
		if hs.lastPing.IsZero() || now.Sub(hs.lastPing) >= cfg.PingInterval {
			hs.lastPing = now
			pings = append(pings, ping{peer: p, local: g.UserID})
		}
	}
	m.mu.Unlock()

	var errs error
	for _, pg := range pings {
		data := transport.Marshal(&transport.PeerPing{PeerHello: transport.PeerHello{
			GroupID:  int32(pg.peer.GroupID),
			UserID:   int32(pg.local),
			TargetID: int32(pg.peer.UserID),
		}})
		for _, addr := range pg.peer.Addresses {
			errs = multierr.Append(errs, fn(data, addr))
		}
	}
	for _, k := range expired {
		m.handshakeExpired(k)
	}

	m.control.Drain(m.control.Len(), func(o outbound) {
		errs = multierr.Append(errs, fn(o.datagram, o.addr))
	})
	return errs
}

// handshakeExpired moves an unreachable peer to its relay, or reports a
// timeout when relaying is disabled.
func (m *Manager) handshakeExpired(k directory.Key) {
	if !m.relay.Load() {
		if p, ok := m.dir.Snapshot().Peer(k.Group, k.User); ok {
			m.log.WithFields(logrus.Fields{
				"function": "handshakeExpired",
				"group_id": k.Group,
				"user_id":  k.User,
			}).Warn("Peer handshake timed out")
			m.emit(event.PeerTimeout{Peer: p})
		}
		return
	}

	var p directory.Peer
	err := m.dir.Update(func(tx *directory.Tx) error {
		g, ok := tx.Group(k.Group)
		if !ok {
			return ErrGroupNotFound
		}
		var err error
		p, err = tx.UpdatePeer(k.Group, k.User, func(p *directory.Peer) {
			if relay := m.relayFor(p, &g); relay.IsValid() {
				p.Address = relay
				p.Relayed = true
			}
		})
		return err
	})
	if err != nil {
		return
	}
	if !p.Relayed {
		m.emit(event.PeerTimeout{Peer: p})
		return
	}

	m.log.WithFields(logrus.Fields{
		"function": "handshakeExpired",
		"group_id": k.Group,
		"user_id":  k.User,
		"relay":    p.Address,
	}).Info("Peer unreachable, relaying")
	m.emit(event.PeerHandshake{Peer: p})
}

// HandlePing answers a handshake ping. via is the relay the ping came
// through, or the zero address for a direct ping, which also completes the
// handshake with the sender. Pings from an address not announced for the
// claimed peer are ignored.
func (m *Manager) HandlePing(msg *transport.PeerPing, from, via netip.AddrPort) {
	p, local, ok := m.resolve(&msg.PeerHello, from)
	if !ok {
		return
	}
	pong := transport.Marshal(&transport.PeerPong{PeerHello: transport.PeerHello{
		GroupID:  msg.GroupID,
		UserID:   int32(local),
		TargetID: msg.UserID,
	}})
	if via.IsValid() {
		m.control.Push(outbound{datagram: transport.WrapRelay(pong, from), addr: via})
		return
	}
	m.control.Push(outbound{datagram: pong, addr: from})
	m.connected(p, from)
}

// HandlePong completes the handshake with a peer answering our ping
// directly from one of its announced addresses.
func (m *Manager) HandlePong(msg *transport.PeerPong, from, via netip.AddrPort) {
	p, _, ok := m.resolve(&msg.PeerHello, from)
	if !ok || via.IsValid() {
		return
	}
	m.connected(p, from)
}

// resolve finds the sender of a handshake packet addressed to us and checks
// that it came from the sender's address.
func (m *Manager) resolve(h *transport.PeerHello, from netip.AddrPort) (directory.Peer, directory.ID, bool) {
	snap := m.dir.Snapshot()
	g, ok := snap.Group(directory.ID(h.GroupID))
	if !ok || g.UserID != directory.ID(h.TargetID) {
		return directory.Peer{}, 0, false
	}
	p, ok := snap.Peer(g.ID, directory.ID(h.UserID))
	if !ok || !p.HasAddress(from) {
		return directory.Peer{}, 0, false
	}
	return p, g.UserID, true
}

func (m *Manager) connected(p directory.Peer, from netip.AddrPort) {
	if p.Connected && !p.Relayed && p.Address == from {
		return
	}
	err := m.dir.Update(func(tx *directory.Tx) error {
		var err error
		p, err = tx.UpdatePeer(p.GroupID, p.UserID, func(p *directory.Peer) {
			p.Address = from
			p.Connected = true
			p.Relayed = false
		})
		return err
	})
	if err != nil {
		return
	}

	m.mu.Lock()
	delete(m.handshakes, p.Key())
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function": "connected",
		"group_id": p.GroupID,
		"user_id":  p.UserID,
		"address":  from,
	}).Info("Peer handshake complete")
	m.emit(event.PeerHandshake{Peer: p})
}
