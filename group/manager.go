package group

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/Itukii/sonobus/crypto"
	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/limits"
	"github.com/Itukii/sonobus/queue"
	"github.com/Itukii/sonobus/request"
	"github.com/Itukii/sonobus/status"
	"github.com/Itukii/sonobus/transport"
)

var (
	// ErrAlreadyJoined indicates the group is joined or being joined.
	ErrAlreadyJoined = status.New(status.ErrInvalidState, "group already joined")

	// ErrGroupNotFound indicates the group is not joined or already being
	// left.
	ErrGroupNotFound = directory.ErrGroupNotFound

	// ErrEjected is attached to the GroupLeft event of a group the server
	// removed us from.
	ErrEjected = status.New(status.ErrRemote, "ejected from group")

	// ErrTornDown resolves a join whose reply arrived after Teardown.
	ErrTornDown = status.New(status.ErrConnectionClosed, "connection closed")
)

// Config tunes the peer handshake.
type Config struct {
	// PingInterval is the time between pings to an unconnected peer.
	PingInterval time.Duration
	// HandshakeTimeout is the time after which an unreachable peer falls
	// back to relaying, or times out when relaying is disabled.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the default handshake settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:     500 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}
}

type outbound struct {
	datagram []byte
	addr     netip.AddrPort
}

// Manager joins and leaves groups through the request ledger, applies
// server notifications to the directory and drives peer handshakes.
type Manager struct {
	log        *logrus.Entry
	clock      clock.Clock
	dir        *directory.Directory
	ledger     *request.Ledger
	emit       func(event.Event)
	serverAddr func() netip.AddrPort
	relay      atomic.Bool
	control    *queue.MPSC[outbound]
	epoch      atomic.Uint64

	mu         sync.Mutex
	config     Config
	joining    map[string]struct{}
	leaving    map[directory.ID]struct{}
	handshakes map[directory.Key]*handshake
}

// NewManager creates a group manager. serverAddr returns the current
// rendezvous server address, the relay of last resort.
func NewManager(clk clock.Clock, dir *directory.Directory, ledger *request.Ledger,
	emit func(event.Event), serverAddr func() netip.AddrPort, cfg Config,
) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if emit == nil {
		emit = func(event.Event) {}
	}
	m := &Manager{
		log:        logrus.NewEntry(logrus.StandardLogger()),
		clock:      clk,
		dir:        dir,
		ledger:     ledger,
		emit:       emit,
		serverAddr: serverAddr,
		control:    queue.New[outbound](),
		config:     cfg,
		joining:    make(map[string]struct{}),
		leaving:    make(map[directory.ID]struct{}),
		handshakes: make(map[directory.Key]*handshake),
	}
	m.relay.Store(true)
	return m
}

// SetLogger directs the manager's log output to log. It must be called
// before the manager is used.
func (m *Manager) SetLogger(log *logrus.Entry) {
	m.log = log
}

// SetConfig replaces the handshake settings.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// Config returns the handshake settings.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// SetRelayEnabled controls the relay fallback of failed handshakes.
func (m *Manager) SetRelayEnabled(enabled bool) {
	m.relay.Store(enabled)
}

// RelayEnabled reports whether relay fallback is enabled.
func (m *Manager) RelayEnabled() bool {
	return m.relay.Load()
}

// Join validates req and issues a join request. cb runs after the group,
// its peers and the corresponding events were published.
func (m *Manager) Join(req request.Join, cb request.Callback) error {
	if err := validateJoin(&req); err != nil {
		return err
	}

	m.mu.Lock()
	if _, busy := m.joining[req.GroupName]; busy {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	if _, joined := m.dir.Snapshot().GroupByName(req.GroupName); joined {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.joining[req.GroupName] = struct{}{}
	m.mu.Unlock()
	epoch := m.epoch.Load()

	msg := &transport.ServerRequest{
		Kind:          transport.RequestJoinGroup,
		GroupName:     req.GroupName,
		GroupPassword: crypto.HashPassword(req.GroupPassword),
		GroupMetadata: req.GroupMetadata,
		UserName:      req.UserName,
		UserPassword:  crypto.HashPassword(req.UserPassword),
		UserMetadata:  req.UserMetadata,
		RelayAddress:  req.RelayAddress,
	}
	m.ledger.Issue(request.KindJoin, m.server(), encodeWithID(msg), func(resp *transport.ServerResponse, err error) {
		m.completeJoin(req, epoch, resp, err, cb)
	})

	m.log.WithFields(logrus.Fields{
		"function": "Join",
		"group":    req.GroupName,
		"user":     req.UserName,
	}).Info("Joining group")
	return nil
}

func validateJoin(req *request.Join) error {
	for _, name := range []string{req.GroupName, req.UserName} {
		if err := limits.ValidateName(name); err != nil {
			return err
		}
	}
	for _, pwd := range []string{req.GroupPassword, req.UserPassword} {
		if err := limits.ValidatePassword(pwd); err != nil {
			return err
		}
	}
	for _, md := range [][]byte{req.GroupMetadata, req.UserMetadata} {
		if err := limits.ValidateMetadata(md); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) server() netip.AddrPort {
	if m.serverAddr == nil {
		return netip.AddrPort{}
	}
	return m.serverAddr()
}

func encodeWithID(msg *transport.ServerRequest) func(id uint32) []byte {
	return func(id uint32) []byte {
		msg.ID = id
		return transport.Marshal(msg)
	}
}

// completeJoin publishes a joined group. A reply that arrives after a
// Teardown started (epoch changed) is turned into ErrTornDown.
func (m *Manager) completeJoin(req request.Join, epoch uint64, resp *transport.ServerResponse, err error, cb request.Callback) {
	m.mu.Lock()
	delete(m.joining, req.GroupName)
	m.mu.Unlock()

	if err = request.Check(resp, err); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "completeJoin",
			"group":    req.GroupName,
			"error":    err,
		}).Warn("Join failed")
		finish(cb, nil, err)
		return
	}

	g := directory.Group{
		ID:              directory.ID(resp.GroupID),
		Name:            req.GroupName,
		UserID:          directory.ID(resp.UserID),
		UserName:        req.UserName,
		Metadata:        resp.GroupMetadata,
		UserMetadata:    resp.UserMetadata,
		PrivateMetadata: resp.PrivateMetadata,
		RelayAddress:    resp.RelayAddress,
	}

	var peers []directory.Peer
	err = m.dir.Update(func(tx *directory.Tx) error {
		if m.epoch.Load() != epoch {
			return ErrTornDown
		}
		if err := tx.AddGroup(g); err != nil {
			return err
		}
		for i := range resp.Peers {
			p, ok := m.peerFromInfo(&resp.Peers[i], g)
			if !ok {
				continue
			}
			if err := tx.AddPeer(p); err != nil {
				m.log.WithFields(logrus.Fields{
					"function": "completeJoin",
					"group":    g.Name,
					"peer":     p.UserName,
					"error":    err,
				}).Warn("Skipping peer")
				continue
			}
			p, _ = tx.Peer(p.GroupID, p.UserID)
			peers = append(peers, p)
		}
		return nil
	})
	if err != nil {
		finish(cb, nil, err)
		return
	}

	m.startHandshakes(peers)

	m.log.WithFields(logrus.Fields{
		"function": "completeJoin",
		"group":    g.Name,
		"group_id": g.ID,
		"user_id":  g.UserID,
		"peers":    len(peers),
	}).Info("Joined group")

	m.emit(event.GroupJoined{Group: g})
	for _, p := range peers {
		m.emit(event.PeerJoined{Peer: p})
	}
	finish(cb, &request.JoinResponse{
		GroupID:         g.ID,
		UserID:          g.UserID,
		GroupMetadata:   g.Metadata,
		UserMetadata:    g.UserMetadata,
		PrivateMetadata: g.PrivateMetadata,
		RelayAddress:    g.RelayAddress,
		Peers:           peers,
	}, nil)
}

// peerFromInfo builds a directory entry. Peers without candidate addresses
// cannot be reached, not even through a relay, and are rejected.
func (m *Manager) peerFromInfo(info *transport.PeerInfo, g directory.Group) (directory.Peer, bool) {
	p := directory.Peer{
		GroupID:      g.ID,
		UserID:       directory.ID(info.UserID),
		GroupName:    g.Name,
		UserName:     info.UserName,
		Addresses:    info.Addresses,
		Metadata:     info.Metadata,
		RelayAddress: info.RelayAddress,
	}
	if p.UserID == g.UserID || len(p.Addresses) == 0 {
		return p, false
	}
	p.Address = p.Addresses[0]
	return p, true
}

// relayFor picks the relay of a peer: its own relay, then the group's, then
// the rendezvous server.
func (m *Manager) relayFor(p *directory.Peer, g *directory.Group) netip.AddrPort {
	if p.RelayAddress.IsValid() {
		return p.RelayAddress
	}
	if g.RelayAddress.IsValid() {
		return g.RelayAddress
	}
	if m.serverAddr != nil {
		return m.serverAddr()
	}
	return netip.AddrPort{}
}

// Leave issues a leave request for a joined group.
func (m *Manager) Leave(id directory.ID, cb request.Callback) error {
	m.mu.Lock()
	if _, ok := m.dir.Snapshot().Group(id); !ok {
		m.mu.Unlock()
		return ErrGroupNotFound
	}
	if _, busy := m.leaving[id]; busy {
		m.mu.Unlock()
		return ErrGroupNotFound
	}
	m.leaving[id] = struct{}{}
	m.mu.Unlock()

	msg := &transport.ServerRequest{Kind: transport.RequestLeaveGroup, GroupID: int32(id)}
	m.ledger.Issue(request.KindLeave, m.server(), encodeWithID(msg), func(resp *transport.ServerResponse, err error) {
		m.completeLeave(id, resp, err, cb)
	})

	m.log.WithFields(logrus.Fields{
		"function": "Leave",
		"group_id": id,
	}).Info("Leaving group")
	return nil
}

func (m *Manager) completeLeave(id directory.ID, resp *transport.ServerResponse, err error, cb request.Callback) {
	m.mu.Lock()
	delete(m.leaving, id)
	m.mu.Unlock()

	if err = request.Check(resp, err); err != nil {
		finish(cb, nil, err)
		return
	}
	m.removeGroup(id, nil)
	finish(cb, &request.LeaveResponse{GroupID: id}, nil)
}

// removeGroup deletes a group and emits PeerLeft for each member, then
// GroupLeft with reason.
func (m *Manager) removeGroup(id directory.ID, reason error) bool {
	var g directory.Group
	var peers []directory.Peer
	err := m.dir.Update(func(tx *directory.Tx) error {
		var err error
		g, peers, err = tx.RemoveGroup(id)
		return err
	})
	if err != nil {
		return false
	}

	m.mu.Lock()
	for k := range m.handshakes {
		if k.Group == id {
			delete(m.handshakes, k)
		}
	}
	m.mu.Unlock()

	for _, p := range peers {
		m.emit(event.PeerLeft{Peer: p})
	}
	m.emit(event.GroupLeft{Group: g, Err: reason})
	return true
}

// Teardown removes every group, emitting PeerLeft and GroupLeft events
// with reason, and forgets pending joins and leaves. Pending requests must
// be aborted through the ledger first; joins completing concurrently are
// not published.
func (m *Manager) Teardown(reason error) {
	m.epoch.Add(1)

	var groups []directory.Group
	var peers []directory.Peer
	_ = m.dir.Update(func(tx *directory.Tx) error {
		groups, peers = tx.Clear()
		return nil
	})

	m.mu.Lock()
	clear(m.joining)
	clear(m.leaving)
	clear(m.handshakes)
	m.mu.Unlock()

	// peers are ordered by group, like groups
	i := 0
	for _, g := range groups {
		for ; i < len(peers) && peers[i].GroupID == g.ID; i++ {
			m.emit(event.PeerLeft{Peer: peers[i]})
		}
		m.emit(event.GroupLeft{Group: g, Err: reason})
	}
}

// HandleNotify applies a server notification. Notifications about unknown
// groups or peers are ignored.
func (m *Manager) HandleNotify(n *transport.ServerNotify) {
	switch n.Kind {
	case transport.NotifyPeerJoin:
		m.peerJoined(&n.Peer)
	case transport.NotifyPeerLeave:
		m.peerLeft(directory.ID(n.GroupID), directory.ID(n.UserID))
	case transport.NotifyPeerUpdate:
		m.peerUpdated(&n.Peer)
	case transport.NotifyGroupEject:
		if m.removeGroup(directory.ID(n.GroupID), ErrEjected) {
			m.log.WithFields(logrus.Fields{
				"function": "HandleNotify",
				"group_id": n.GroupID,
			}).Warn("Ejected from group")
		}
	case transport.NotifyGroupUpdate:
		m.groupUpdated(directory.ID(n.GroupID), n.Metadata)
	case transport.NotifyMessage:
		m.emit(event.ServerMessage{Flags: n.Flags, Data: n.Data})
	default:
		m.log.WithFields(logrus.Fields{
			"function": "HandleNotify",
			"kind":     n.Kind,
		}).Debug("Ignoring unknown notification")
	}
}

func (m *Manager) peerJoined(info *transport.PeerInfo) {
	var p directory.Peer
	err := m.dir.Update(func(tx *directory.Tx) error {
		g, ok := tx.Group(directory.ID(info.GroupID))
		if !ok {
			return ErrGroupNotFound
		}
		candidate, ok := m.peerFromInfo(info, g)
		if !ok {
			return directory.ErrNoAddress
		}
		if err := tx.AddPeer(candidate); err != nil {
			return err
		}
		p, _ = tx.Peer(candidate.GroupID, candidate.UserID)
		return nil
	})
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "peerJoined",
			"group_id": info.GroupID,
			"user_id":  info.UserID,
			"error":    err,
		}).Debug("Ignoring peer join")
		return
	}
	m.startHandshakes([]directory.Peer{p})
	m.emit(event.PeerJoined{Peer: p})
}

func (m *Manager) peerLeft(group, user directory.ID) {
	var p directory.Peer
	err := m.dir.Update(func(tx *directory.Tx) error {
		var err error
		p, err = tx.RemovePeer(group, user)
		return err
	})
	if err != nil {
		return
	}
	m.mu.Lock()
	delete(m.handshakes, p.Key())
	m.mu.Unlock()
	m.emit(event.PeerLeft{Peer: p})
}

func (m *Manager) peerUpdated(info *transport.PeerInfo) {
	var p directory.Peer
	restart := false
	err := m.dir.Update(func(tx *directory.Tx) error {
		var err error
		p, err = tx.UpdatePeer(directory.ID(info.GroupID), directory.ID(info.UserID), func(p *directory.Peer) {
			p.Metadata = info.Metadata
			if info.UserName != "" {
				p.UserName = info.UserName
			}
			if info.RelayAddress.IsValid() {
				p.RelayAddress = info.RelayAddress
			}
			if len(info.Addresses) > 0 && !p.Connected {
				p.Addresses = info.Addresses
				if !p.Relayed {
					p.Address = info.Addresses[0]
				}
				restart = true
			}
		})
		return err
	})
	if err != nil {
		return
	}
	if restart {
		m.startHandshakes([]directory.Peer{p})
	}
	m.emit(event.PeerUpdated{Peer: p})
}

func (m *Manager) groupUpdated(id directory.ID, metadata []byte) {
	var g directory.Group
	err := m.dir.Update(func(tx *directory.Tx) error {
		var err error
		g, err = tx.UpdateGroup(id, func(g *directory.Group) {
			g.Metadata = metadata
		})
		return err
	})
	if err != nil {
		return
	}
	m.emit(event.GroupUpdated{Group: g})
}

// Joining returns the number of joins awaiting a reply.
func (m *Manager) Joining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.joining)
}

func finish(cb request.Callback, resp request.Response, err error) {
	if cb != nil {
		cb(resp, err)
	}
}
