package sonobus

import (
	"net/netip"
	"time"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/messaging"
	"github.com/Itukii/sonobus/request"
)

// JoinGroup joins a group on the connected server. The group and its peers
// are published, GroupJoined and PeerJoined events emitted, then cb is
// called with a *request.JoinResponse.
func (s *Session) JoinGroup(req request.Join, cb request.Callback) error {
	if s.closed.Load() {
		return ErrClosed
	}
	// a Disconnect waits until the join request is in the ledger
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.State() != Connected {
		return ErrNotConnected
	}
	return s.groups.Join(req, cb)
}

// LeaveGroup leaves a joined group. It fails with a not found error when
// the group is unknown or already being left.
func (s *Session) LeaveGroup(id directory.ID, cb request.Callback) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.groups.Leave(id, cb)
}

// GetPeerByName returns the address of a peer. It never blocks.
func (s *Session) GetPeerByName(group, user string) (netip.AddrPort, error) {
	p, ok := s.dir.Snapshot().PeerByName(group, user)
	if !ok {
		return netip.AddrPort{}, ErrPeerNotFound
	}
	return p.Address, nil
}

// GetPeerByID returns the address of a peer. It never blocks.
func (s *Session) GetPeerByID(group, user directory.ID) (netip.AddrPort, error) {
	p, ok := s.dir.Snapshot().Peer(group, user)
	if !ok {
		return netip.AddrPort{}, ErrPeerNotFound
	}
	return p.Address, nil
}

// GetPeerByAddress returns the ids of the peer at addr and writes its
// group and user names into the buffers that are not nil. When a buffer is
// too small the ids are still returned together with ErrBufferTooSmall,
// and the buffer's Size tells the size to retry with.
func (s *Session) GetPeerByAddress(addr netip.AddrPort, groupName, userName *directory.NameBuffer) (directory.ID, directory.ID, error) {
	p, ok := s.dir.Snapshot().PeerByAddress(addr)
	if !ok {
		return directory.InvalidID, directory.InvalidID, ErrPeerNotFound
	}

	var err error
	if groupName != nil {
		err = groupName.Put(p.GroupName)
	}
	if userName != nil {
		if uerr := userName.Put(p.UserName); err == nil {
			err = uerr
		}
	}
	return p.GroupID, p.UserID, err
}

// SendMessage queues a message for the next Send. group and user may be
// directory.InvalidID to address all groups or all members. A zero ts
// sends as soon as possible. It never blocks and does not allocate; it
// fails with messaging.ErrQueueFull when Send falls behind.
func (s *Session) SendMessage(group, user directory.ID, data []byte, ts time.Time, flags messaging.Flags) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.router.SendMessage(group, user, data, ts, flags)
}
