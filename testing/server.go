package testing

import (
	"errors"
	"net/netip"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/Itukii/sonobus/crypto"
	"github.com/Itukii/sonobus/transport"
)

// Response codes of the simulated server.
const (
	CodeWrongPassword int32 = iota + 1
	CodeNotConnected
	CodeNameTaken
	CodeNotMember
	CodeUnknownRequest
)

type member struct {
	id       int32
	name     string
	client   netip.AddrPort
	metadata []byte
}

type room struct {
	id       int32
	name     string
	password []byte
	metadata []byte
	nextUser int32
	members  map[int32]*member
}

func (r *room) info(m *member) transport.PeerInfo {
	return transport.PeerInfo{
		GroupID:   r.id,
		UserID:    m.id,
		GroupName: r.name,
		UserName:  m.name,
		Addresses: []netip.AddrPort{m.client},
		Metadata:  m.metadata,
	}
}

// Server is a simulated rendezvous server. It keeps clients and groups in
// memory, answers requests, notifies group members and forwards relay
// packets. It is meant to be attached to a Network.
type Server struct {
	addr netip.AddrPort
	send transport.SendFunc

	mu         sync.Mutex
	password   []byte
	silent     bool
	nextClient int32
	nextGroup  int32
	clients    map[netip.AddrPort]int32
	rooms      map[string]*room
	requests   []transport.ServerRequest
	answered   map[requestKey]*transport.ServerResponse
	relayed    int
}

type requestKey struct {
	client netip.AddrPort
	id     uint32
}

// NewServer creates a server at addr that answers through send.
func NewServer(addr netip.AddrPort, send transport.SendFunc) *Server {
	logrus.WithFields(logrus.Fields{
		"function": "NewServer",
		"address":  addr,
	}).Info("Creating simulated rendezvous server for testing")

	return &Server{
		addr:     addr,
		send:     send,
		clients:  make(map[netip.AddrPort]int32),
		rooms:    make(map[string]*room),
		answered: make(map[requestKey]*transport.ServerResponse),
	}
}

// Addr returns the server address.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// SetPassword requires clients to connect with password.
func (s *Server) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = crypto.HashPassword(password)
}

// SetSilent makes the server drop everything it receives.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Requests returns a copy of the requests received so far.
func (s *Server) Requests() []transport.ServerRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Relayed returns the number of forwarded relay packets.
func (s *Server) Relayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayed
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// GroupID returns the id of a group, or -1 if it does not exist.
func (s *Server) GroupID(name string) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[name]; ok {
		return r.id
	}
	return -1
}

type outbound struct {
	msg transport.Message
	to  netip.AddrPort
}

// flush sends queued replies. It is called without s.mu held.
func (s *Server) flush(out []outbound) error {
	var errs error
	for _, o := range out {
		errs = multierr.Append(errs, s.send(transport.Marshal(o.msg), o.to))
	}
	return errs
}

// HandleMessage processes one datagram from a client.
func (s *Server) HandleMessage(data []byte, from netip.AddrPort) error {
	msg, err := transport.Parse(data)
	if errors.Is(err, transport.ErrUnknownPacket) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.silent {
		s.mu.Unlock()
		return nil
	}
	var out []outbound
	switch m := msg.(type) {
	case *transport.ServerRequest:
		key := requestKey{client: from, id: m.ID}
		if resp, dup := s.answered[key]; dup {
			// a resend whose reply got lost
			out = []outbound{{msg: resp, to: from}}
			break
		}
		s.requests = append(s.requests, *m)
		out = s.handleRequest(m, from)
		s.answered[key] = out[0].msg.(*transport.ServerResponse)
	case *transport.ServerPing:
		out = []outbound{{msg: &transport.ServerPong{}, to: from}}
	case *transport.Relay:
		s.relayed++
		out = []outbound{{msg: &transport.Relay{Address: from, Payload: m.Payload}, to: m.Address}}
	}
	s.mu.Unlock()

	return s.flush(out)
}

func (s *Server) handleRequest(req *transport.ServerRequest, from netip.AddrPort) []outbound {
	resp := &transport.ServerResponse{ID: req.ID, Kind: req.Kind}
	out := []outbound{{msg: resp, to: from}}

	_, connected := s.clients[from]
	if req.Kind != transport.RequestConnect && !connected {
		resp.Code, resp.Message = CodeNotConnected, "not connected"
		return out
	}

	switch req.Kind {
	case transport.RequestConnect:
		if len(s.password) > 0 && !crypto.EqualHash(s.password, req.Password) {
			resp.Code, resp.Message = CodeWrongPassword, "wrong password"
			return out
		}
		id, ok := s.clients[from]
		if !ok {
			s.nextClient++
			id = s.nextClient
			s.clients[from] = id
		}
		resp.ClientID = id
		resp.Metadata = req.Metadata

	case transport.RequestDisconnect:
		delete(s.clients, from)
		for _, r := range s.rooms {
			for _, m := range r.members {
				if m.client == from {
					out = append(out, s.removeMember(r, m)...)
				}
			}
		}

	case transport.RequestJoinGroup:
		out = append(out, s.join(req, from, resp)...)

	case transport.RequestLeaveGroup:
		r, m := s.findMember(req.GroupID, from)
		if m == nil {
			resp.Code, resp.Message = CodeNotMember, "not a member"
			return out
		}
		out = append(out, s.removeMember(r, m)...)

	case transport.RequestCustom:
		resp.Data = req.Data
		resp.Flags = req.Flags

	default:
		resp.Code, resp.Message = CodeUnknownRequest, "unknown request"
	}
	return out
}

func (s *Server) join(req *transport.ServerRequest, from netip.AddrPort, resp *transport.ServerResponse) []outbound {
	r, ok := s.rooms[req.GroupName]
	if !ok {
		s.nextGroup++
		r = &room{
			id:       s.nextGroup,
			name:     req.GroupName,
			password: req.GroupPassword,
			metadata: req.GroupMetadata,
			members:  make(map[int32]*member),
		}
		s.rooms[req.GroupName] = r
	} else if len(r.password) > 0 && !crypto.EqualHash(r.password, req.GroupPassword) {
		resp.Code, resp.Message = CodeWrongPassword, "wrong group password"
		return nil
	}
	for _, m := range r.members {
		if m.name == req.UserName {
			resp.Code, resp.Message = CodeNameTaken, "user name taken"
			return nil
		}
	}

	r.nextUser++
	joined := &member{id: r.nextUser, name: req.UserName, client: from, metadata: req.UserMetadata}

	resp.GroupID = r.id
	resp.UserID = joined.id
	resp.GroupMetadata = r.metadata
	resp.UserMetadata = joined.metadata

	var out []outbound
	for _, id := range sortedIDs(r.members) {
		m := r.members[id]
		resp.Peers = append(resp.Peers, r.info(m))
		out = append(out, outbound{
			msg: &transport.ServerNotify{Kind: transport.NotifyPeerJoin, Peer: r.info(joined)},
			to:  m.client,
		})
	}
	r.members[joined.id] = joined
	return out
}

func (s *Server) findMember(group int32, client netip.AddrPort) (*room, *member) {
	for _, r := range s.rooms {
		if r.id != group {
			continue
		}
		for _, m := range r.members {
			if m.client == client {
				return r, m
			}
		}
	}
	return nil, nil
}

func (s *Server) removeMember(r *room, gone *member) []outbound {
	delete(r.members, gone.id)
	var out []outbound
	for _, id := range sortedIDs(r.members) {
		out = append(out, outbound{
			msg: &transport.ServerNotify{Kind: transport.NotifyPeerLeave, GroupID: r.id, UserID: gone.id},
			to:  r.members[id].client,
		})
	}
	return out
}

// Eject removes a user from a group and tells the user and the remaining
// members.
func (s *Server) Eject(group string, user int32) error {
	s.mu.Lock()
	r, ok := s.rooms[group]
	if !ok || r.members[user] == nil {
		s.mu.Unlock()
		return errors.New("no such member")
	}
	m := r.members[user]
	out := s.removeMember(r, m)
	out = append(out, outbound{
		msg: &transport.ServerNotify{Kind: transport.NotifyGroupEject, GroupID: r.id},
		to:  m.client,
	})
	s.mu.Unlock()

	return s.flush(out)
}

// Broadcast pushes a server message to every connected client.
func (s *Server) Broadcast(data []byte, flags uint32) error {
	s.mu.Lock()
	clients := make([]netip.AddrPort, 0, len(s.clients))
	for addr := range s.clients {
		clients = append(clients, addr)
	}
	s.mu.Unlock()

	out := make([]outbound, 0, len(clients))
	for _, addr := range clients {
		out = append(out, outbound{
			msg: &transport.ServerNotify{Kind: transport.NotifyMessage, Data: data, Flags: flags},
			to:  addr,
		})
	}
	return s.flush(out)
}

func sortedIDs(members map[int32]*member) []int32 {
	ids := make([]int32, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
