package directory

import (
	"maps"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Itukii/sonobus/status"
)

type nameKey struct {
	group string
	user  string
}

// Snapshot is an immutable view of the directory. Values returned by its
// methods are copies; their byte slices must be treated as read-only.
type Snapshot struct {
	version    uint64
	groups     map[ID]*Group
	groupNames map[string]ID
	order      []ID // sorted group ids
	peers      map[Key]*Peer
	peerNames  map[nameKey]Key
	members    map[ID][]ID // sorted user ids per group
	addrs      map[netip.AddrPort][]Key
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		groups:     map[ID]*Group{},
		groupNames: map[string]ID{},
		peers:      map[Key]*Peer{},
		peerNames:  map[nameKey]Key{},
		members:    map[ID][]ID{},
		addrs:      map[netip.AddrPort][]Key{},
	}
}

// clone copies the indexes. Entries and index slices stay shared and are
// replaced, never modified, by the transaction.
func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		version:    s.version,
		groups:     maps.Clone(s.groups),
		groupNames: maps.Clone(s.groupNames),
		order:      s.order,
		peers:      maps.Clone(s.peers),
		peerNames:  maps.Clone(s.peerNames),
		members:    maps.Clone(s.members),
		addrs:      maps.Clone(s.addrs),
	}
}

// Version increases with every published change.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Group returns the group with the given id.
func (s *Snapshot) Group(id ID) (Group, bool) {
	g, ok := s.groups[id]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// GroupByName returns the group with the given name.
func (s *Snapshot) GroupByName(name string) (Group, bool) {
	id, ok := s.groupNames[name]
	if !ok {
		return Group{}, false
	}
	return s.Group(id)
}

// Groups returns all groups ordered by id.
func (s *Snapshot) Groups() []Group {
	out := make([]Group, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.groups[id])
	}
	return out
}

// NumGroups returns the number of groups.
func (s *Snapshot) NumGroups() int {
	return len(s.groups)
}

// Peer returns the peer with the given identity.
func (s *Snapshot) Peer(group, user ID) (Peer, bool) {
	p, ok := s.peers[Key{Group: group, User: user}]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// PeerByName returns the peer with the given group and user names.
func (s *Snapshot) PeerByName(group, user string) (Peer, bool) {
	k, ok := s.peerNames[nameKey{group: group, user: user}]
	if !ok {
		return Peer{}, false
	}
	return *s.peers[k], true
}

// PeerByAddress returns the peer currently reached at addr. When several
// peers share the address the one with the lowest (group, user) id wins.
func (s *Snapshot) PeerByAddress(addr netip.AddrPort) (Peer, bool) {
	keys := s.addrs[addr]
	if len(keys) == 0 {
		return Peer{}, false
	}
	return *s.peers[keys[0]], true
}

// NumPeers returns the number of peers in the group, or in all groups for
// InvalidID.
func (s *Snapshot) NumPeers(group ID) int {
	if group == InvalidID {
		return len(s.peers)
	}
	return len(s.members[group])
}

// EachPeer calls fn for the peers of group (all groups for InvalidID) in
// (group, user) order until fn returns false. It does not allocate.
func (s *Snapshot) EachPeer(group ID, fn func(p *Peer) bool) {
	if group != InvalidID {
		s.eachMember(group, fn)
		return
	}
	for _, id := range s.order {
		if !s.eachMember(id, fn) {
			return
		}
	}
}

func (s *Snapshot) eachMember(group ID, fn func(p *Peer) bool) bool {
	for _, user := range s.members[group] {
		p := *s.peers[Key{Group: group, User: user}]
		if !fn(&p) {
			return false
		}
	}
	return true
}

// Peers returns the peers of group (all groups for InvalidID) in
// (group, user) order.
func (s *Snapshot) Peers(group ID) []Peer {
	out := make([]Peer, 0, s.NumPeers(group))
	s.EachPeer(group, func(p *Peer) bool {
		out = append(out, *p)
		return true
	})
	return out
}

// Directory holds the current snapshot.
type Directory struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

// New creates an empty directory.
func New() *Directory {
	d := &Directory{}
	d.cur.Store(emptySnapshot())
	return d
}

// Snapshot returns the current snapshot. It never blocks.
func (d *Directory) Snapshot() *Snapshot {
	return d.cur.Load()
}

// Update runs fn on a private copy of the current snapshot and publishes
// the copy if fn returns nil. Nothing is published when fn fails.
func (d *Directory) Update(fn func(tx *Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Tx{Snapshot: d.cur.Load().clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	tx.version++
	d.cur.Store(tx.Snapshot)
	return nil
}

// Tx is a directory transaction. Reads through the embedded Snapshot see
// the transaction's own changes.
type Tx struct {
	*Snapshot
	dirty bool
}

// AddGroup inserts a group.
func (tx *Tx) AddGroup(g Group) error {
	if g.ID == InvalidID || g.Name == "" {
		return status.New(status.ErrInvalidArgument, "group needs an id and a name")
	}
	if _, ok := tx.groups[g.ID]; ok {
		return ErrGroupExists
	}
	if _, ok := tx.groupNames[g.Name]; ok {
		return ErrGroupExists
	}
	tx.groups[g.ID] = &g
	tx.groupNames[g.Name] = g.ID
	tx.order = insertSorted(tx.order, g.ID)
	tx.dirty = true
	return nil
}

// UpdateGroup replaces the group with the result of fn. The id and name
// cannot be changed.
func (tx *Tx) UpdateGroup(id ID, fn func(g *Group)) (Group, error) {
	old, ok := tx.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	g := *old
	fn(&g)
	g.ID, g.Name = old.ID, old.Name
	tx.groups[id] = &g
	tx.dirty = true
	return g, nil
}

// RemoveGroup deletes a group and all of its peers. The removed peers are
// returned in user id order.
func (tx *Tx) RemoveGroup(id ID) (Group, []Peer, error) {
	g, ok := tx.groups[id]
	if !ok {
		return Group{}, nil, ErrGroupNotFound
	}
	users := tx.members[id]
	removed := make([]Peer, 0, len(users))
	for _, user := range users {
		p := tx.peers[Key{Group: id, User: user}]
		removed = append(removed, *p)
		tx.unindexPeer(p)
		delete(tx.peers, p.Key())
	}
	delete(tx.members, id)
	delete(tx.groups, id)
	delete(tx.groupNames, g.Name)
	tx.order = removeSorted(tx.order, id)
	tx.dirty = true
	return *g, removed, nil
}

// Clear removes every group and peer. Groups are returned in id order,
// each followed in the peer list by its members.
func (tx *Tx) Clear() ([]Group, []Peer) {
	groups := tx.Groups()
	peers := tx.Peers(InvalidID)
	if len(groups) == 0 && len(peers) == 0 {
		return nil, nil
	}
	fresh := emptySnapshot()
	fresh.version = tx.version
	tx.Snapshot = fresh
	tx.dirty = true
	return groups, peers
}

// AddPeer inserts a peer into an existing group. The peer's group name is
// taken from the group.
func (tx *Tx) AddPeer(p Peer) error {
	g, ok := tx.groups[p.GroupID]
	if !ok {
		return ErrGroupNotFound
	}
	if p.UserID == InvalidID || p.UserName == "" {
		return status.New(status.ErrInvalidArgument, "peer needs an id and a name")
	}
	if !p.Address.IsValid() {
		return ErrNoAddress
	}
	k := p.Key()
	if _, ok := tx.peers[k]; ok {
		return ErrPeerExists
	}
	p.GroupName = g.Name
	if _, ok := tx.peerNames[nameKey{group: g.Name, user: p.UserName}]; ok {
		return ErrPeerExists
	}
	tx.peers[k] = &p
	tx.members[p.GroupID] = insertSorted(tx.members[p.GroupID], p.UserID)
	tx.indexPeer(&p)
	tx.dirty = true
	return nil
}

// UpdatePeer replaces a peer with the result of fn. The identity cannot be
// changed and the address must stay valid.
func (tx *Tx) UpdatePeer(group, user ID, fn func(p *Peer)) (Peer, error) {
	k := Key{Group: group, User: user}
	old, ok := tx.peers[k]
	if !ok {
		return Peer{}, ErrPeerNotFound
	}
	p := *old
	fn(&p)
	p.GroupID, p.UserID, p.GroupName = old.GroupID, old.UserID, old.GroupName
	if !p.Address.IsValid() {
		return Peer{}, ErrNoAddress
	}
	if p.UserName == "" {
		p.UserName = old.UserName
	}
	if p.UserName != old.UserName {
		if _, taken := tx.peerNames[nameKey{group: p.GroupName, user: p.UserName}]; taken {
			return Peer{}, ErrPeerExists
		}
	}
	tx.unindexPeer(old)
	tx.peers[k] = &p
	tx.indexPeer(&p)
	tx.dirty = true
	return p, nil
}

// RemovePeer deletes a peer.
func (tx *Tx) RemovePeer(group, user ID) (Peer, error) {
	k := Key{Group: group, User: user}
	p, ok := tx.peers[k]
	if !ok {
		return Peer{}, ErrPeerNotFound
	}
	tx.unindexPeer(p)
	delete(tx.peers, k)
	users := removeSorted(tx.members[group], user)
	if len(users) == 0 {
		delete(tx.members, group)
	} else {
		tx.members[group] = users
	}
	tx.dirty = true
	return *p, nil
}

func (tx *Tx) indexPeer(p *Peer) {
	tx.peerNames[nameKey{group: p.GroupName, user: p.UserName}] = p.Key()
	keys := slices.Clone(tx.addrs[p.Address])
	i, _ := slices.BinarySearchFunc(keys, p.Key(), compareKeys)
	tx.addrs[p.Address] = slices.Insert(keys, i, p.Key())
}

func (tx *Tx) unindexPeer(p *Peer) {
	delete(tx.peerNames, nameKey{group: p.GroupName, user: p.UserName})
	keys := tx.addrs[p.Address]
	i, found := slices.BinarySearchFunc(keys, p.Key(), compareKeys)
	if !found {
		return
	}
	if len(keys) == 1 {
		delete(tx.addrs, p.Address)
		return
	}
	tx.addrs[p.Address] = slices.Delete(slices.Clone(keys), i, i+1)
}

func compareKeys(a, b Key) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

// insertSorted returns a new slice with id inserted in order.
func insertSorted(ids []ID, id ID) []ID {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(slices.Clone(ids), i, id)
}

// removeSorted returns a new slice without id.
func removeSorted(ids []ID, id ID) []ID {
	i, found := slices.BinarySearch(ids, id)
	if !found {
		return ids
	}
	return slices.Delete(slices.Clone(ids), i, i+1)
}
