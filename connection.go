package sonobus

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/Itukii/sonobus/crypto"
	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/limits"
	"github.com/Itukii/sonobus/request"
	"github.com/Itukii/sonobus/transport"
)

// connectAttempt is a connect request waiting for its host to be resolved
// or for the server's reply.
type connectAttempt struct {
	gen      uint64
	host     string
	port     uint16
	password []byte
	metadata []byte
	cb       request.Callback
}

func (a *connectAttempt) fail(err error) {
	if a.cb != nil {
		a.cb(nil, err)
	}
}

// State returns the connection state. It never blocks.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// setState stores a new state and returns the previous one. Callers hold
// connMu and emit the ConnectionStateChanged event after releasing it.
func (s *Session) setState(st ConnectionState) ConnectionState {
	return ConnectionState(s.state.Swap(int32(st)))
}

func (s *Session) serverAddr() netip.AddrPort {
	return *s.server.Load()
}

// Connect connects to the rendezvous server at host:port. The outcome is
// reported to cb with a *request.ConnectResponse. Host names are resolved
// by the next Run; IP literals are used as is.
func (s *Session) Connect(host string, port int, password string, metadata []byte, cb request.Callback) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if host == "" {
		return ErrInvalidHost
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if err := limits.ValidatePassword(password); err != nil {
		return err
	}
	if err := limits.ValidateMetadata(metadata); err != nil {
		return err
	}

	s.connMu.Lock()
	switch s.State() {
	case Connected:
		s.connMu.Unlock()
		return ErrAlreadyConnected
	case Connecting:
		s.connMu.Unlock()
		return ErrConnectInProgress
	}
	s.gen++
	attempt := &connectAttempt{
		gen:      s.gen,
		host:     host,
		port:     uint16(port),
		password: crypto.HashPassword(password),
		metadata: append([]byte(nil), metadata...),
		cb:       cb,
	}
	s.setState(Connecting)

	addr, known := s.lookupCached(host)
	if known {
		s.issueConnect(attempt, netip.AddrPortFrom(addr, attempt.port))
	} else {
		s.resolving = attempt
	}
	s.connMu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Connect",
		"host":     host,
		"port":     port,
	}).Info("Connecting to server")
	s.emit(event.ConnectionStateChanged{State: Connecting})
	return nil
}

// lookupCached returns the address of an IP literal or a cached host name.
func (s *Session) lookupCached(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), true
	}
	return s.hosts.Get(host)
}

// resolvePending resolves the host of a connect attempt. It runs on the
// goroutine calling Run, never on a control call.
func (s *Session) resolvePending() {
	s.connMu.Lock()
	attempt := s.resolving
	s.connMu.Unlock()
	if attempt == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.options.ResolveTimeout)
	addrs, err := s.options.Resolver(ctx, attempt.host)
	cancel()

	s.connMu.Lock()
	if s.resolving != attempt {
		// disconnected or closed meanwhile
		s.connMu.Unlock()
		return
	}
	s.resolving = nil
	if err != nil || len(addrs) == 0 {
		s.setState(Disconnected)
		s.connMu.Unlock()

		s.log.WithFields(logrus.Fields{
			"function": "resolvePending",
			"host":     attempt.host,
			"error":    err,
		}).Warn("Host resolution failed")
		s.emit(event.ConnectionStateChanged{State: Disconnected})
		attempt.fail(fmt.Errorf("%w: %s", ErrHostResolution, attempt.host))
		return
	}
	addr := addrs[0].Unmap()
	s.hosts.Add(attempt.host, addr)
	s.issueConnect(attempt, netip.AddrPortFrom(addr, attempt.port))
	s.connMu.Unlock()
}

// issueConnect points the session at server and queues the connect
// request. Callers hold connMu.
func (s *Session) issueConnect(attempt *connectAttempt, server netip.AddrPort) {
	s.server.Store(&server)
	s.lastRecv.Store(s.clock.Now().UnixNano())

	msg := &transport.ServerRequest{
		Kind:     transport.RequestConnect,
		Token:    s.token,
		Password: attempt.password,
		Metadata: attempt.metadata,
		Version:  s.options.Version,
	}
	s.ledger.Issue(request.KindConnect, server, encodeRequest(msg), func(resp *transport.ServerResponse, err error) {
		s.completeConnect(attempt, resp, err)
	})
}

func encodeRequest(msg *transport.ServerRequest) func(id uint32) []byte {
	return func(id uint32) []byte {
		msg.ID = id
		return transport.Marshal(msg)
	}
}

func (s *Session) completeConnect(attempt *connectAttempt, resp *transport.ServerResponse, err error) {
	err = request.Check(resp, err)

	s.connMu.Lock()
	current := s.gen == attempt.gen && s.State() == Connecting
	if current {
		if err != nil {
			s.setState(Disconnected)
		} else {
			s.setState(Connected)
			s.clientID = directory.ID(resp.ClientID)
		}
	}
	s.connMu.Unlock()

	if !current {
		// superseded by a disconnect, which aborted this request
		if err == nil {
			err = ErrConnectionClosed
		}
		attempt.fail(err)
		return
	}

	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "completeConnect",
			"host":     attempt.host,
			"error":    err,
		}).Warn("Connect failed")
		s.emit(event.ConnectionStateChanged{State: Disconnected})
		attempt.fail(err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"function":  "completeConnect",
		"host":      attempt.host,
		"client_id": resp.ClientID,
	}).Info("Connected to server")
	s.emit(event.ConnectionStateChanged{State: Connected})
	if attempt.cb != nil {
		attempt.cb(&request.ConnectResponse{
			ClientID: directory.ID(resp.ClientID),
			Metadata: resp.Metadata,
		}, nil)
	}
}

// Disconnect closes the connection. Pending requests are aborted with
// ErrConnectionClosed and every group is left locally. When connected, cb
// fires once the server acknowledged the disconnect or stopped answering;
// while connecting it fires right away.
func (s *Session) Disconnect(cb request.Callback) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.connMu.Lock()
	prev := s.State()
	if prev == Disconnected {
		s.connMu.Unlock()
		return ErrNotConnected
	}
	s.gen++
	attempt := s.resolving
	s.resolving = nil
	s.clientID = directory.InvalidID
	server := s.serverAddr()
	s.setState(Disconnected)
	s.connMu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Disconnect",
		"state":    prev,
	}).Info("Disconnecting from server")

	if attempt != nil {
		attempt.fail(ErrConnectionClosed)
	}
	s.teardown(nil)
	s.emit(event.ConnectionStateChanged{State: Disconnected})

	if prev == Connected {
		msg := &transport.ServerRequest{Kind: transport.RequestDisconnect}
		s.ledger.Issue(request.KindDisconnect, server, encodeRequest(msg), func(resp *transport.ServerResponse, err error) {
			if cb == nil {
				return
			}
			if err = request.Check(resp, err); err != nil {
				cb(nil, err)
				return
			}
			cb(&request.DisconnectResponse{}, nil)
		})
		return nil
	}
	if cb != nil {
		cb(&request.DisconnectResponse{}, nil)
	}
	return nil
}

// teardown aborts pending requests, removes all groups and resets the
// router after the state was set to Disconnected. A nil reason is a local
// disconnect.
func (s *Session) teardown(reason error) {
	var abort error = ErrConnectionClosed
	if reason != nil {
		abort = reason
	}
	s.ledger.AbortAll(abort)
	s.groups.Teardown(reason)
	s.router.Reset()
}

// checkServerTimeout declares the connection lost when the server was
// silent for longer than the configured timeout.
func (s *Session) checkServerTimeout() {
	if s.State() != Connected {
		return
	}
	now := s.clock.Now()

	s.connMu.Lock()
	timeout := s.keepalive.timeout
	silent := now.Sub(timeFromNanos(s.lastRecv.Load()))
	if s.State() != Connected || silent < timeout {
		s.connMu.Unlock()
		return
	}
	s.gen++
	s.clientID = directory.InvalidID
	s.setState(Disconnected)
	s.connMu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "checkServerTimeout",
		"silent":   silent,
	}).Warn("Connection to server lost")

	s.teardown(ErrConnectionLost)
	s.emit(event.ConnectionStateChanged{State: Disconnected})
	s.emit(event.Disconnected{Err: ErrConnectionLost})
}

// ClientID returns the id the server assigned on connect, or
// directory.InvalidID when not connected.
func (s *Session) ClientID() directory.ID {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.clientID
}

// SendCustomRequest sends an application-defined request to the server.
// The reply is reported to cb as a *request.CustomResponse.
func (s *Session) SendCustomRequest(data []byte, flags uint32, cb request.Callback) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(data) > limits.MaxMessageSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", limits.ErrMessageTooLarge, len(data), limits.MaxMessageSize)
	}

	// held until the request is in the ledger so a concurrent Disconnect
	// aborts it
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.State() != Connected {
		return ErrNotConnected
	}

	msg := &transport.ServerRequest{
		Kind:  transport.RequestCustom,
		Data:  append([]byte(nil), data...),
		Flags: flags,
	}
	s.ledger.Issue(request.KindCustom, s.serverAddr(), encodeRequest(msg), func(resp *transport.ServerResponse, err error) {
		if cb == nil {
			return
		}
		if err = request.Check(resp, err); err != nil {
			cb(nil, err)
			return
		}
		cb(&request.CustomResponse{Data: resp.Data, Flags: resp.Flags}, nil)
	})
	return nil
}

// SendRequest is the generic entry point for server requests.
func (s *Session) SendRequest(req request.Request, cb request.Callback) error {
	switch r := req.(type) {
	case nil:
		return ErrNilArgument
	case *request.Connect:
		return s.Connect(r.Host, r.Port, r.Password, r.Metadata, cb)
	case *request.Disconnect:
		return s.Disconnect(cb)
	case *request.Join:
		return s.JoinGroup(*r, cb)
	case *request.Leave:
		return s.LeaveGroup(r.GroupID, cb)
	case *request.Custom:
		return s.SendCustomRequest(r.Data, r.Flags, cb)
	default:
		return fmt.Errorf("%w: request kind %v", ErrNotImplemented, req.Kind())
	}
}
