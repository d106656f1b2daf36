package sonobus

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/Itukii/sonobus/limits"
	"github.com/Itukii/sonobus/transport"
)

func timeFromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

// unmap strips the IPv4-in-IPv6 prefix dual-stack sockets report.
func unmap(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

// HandleMessage processes one datagram received from addr. It returns an
// error only for malformed input; well-formed datagrams of unknown types
// are ignored. Calls must not overlap.
func (s *Session) HandleMessage(data []byte, addr netip.AddrPort) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.receiving.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer s.receiving.Store(false)

	if err := limits.ValidateDatagram(data); err != nil {
		s.metrics.malformed.Inc()
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	msg, err := transport.Parse(data)
	if errors.Is(err, transport.ErrUnknownPacket) {
		s.metrics.datagramsIn.WithLabelValues("unknown").Inc()
		return nil
	}
	if err != nil {
		s.metrics.malformed.Inc()
		return err
	}
	return s.dispatch(msg, unmap(addr), netip.AddrPort{})
}

// dispatch routes a decoded message. via is the relay a message was
// forwarded by, or the zero address for a direct message.
func (s *Session) dispatch(msg transport.Message, from, via netip.AddrPort) error {
	s.metrics.datagramsIn.WithLabelValues(msg.Type().String()).Inc()

	switch m := msg.(type) {
	case *transport.Relay:
		if via.IsValid() {
			// relays do not nest
			return nil
		}
		inner, err := transport.Parse(m.Payload)
		if errors.Is(err, transport.ErrUnknownPacket) {
			return nil
		}
		if err != nil {
			s.metrics.malformed.Inc()
			return fmt.Errorf("relayed from %s: %w", m.Address, err)
		}
		return s.dispatch(inner, unmap(m.Address), from)

	case *transport.ServerResponse:
		// a reply may come from the server a request went to after the
		// session moved on to another one
		if via.IsValid() {
			return nil
		}
		if from == s.serverAddr() {
			s.lastRecv.Store(s.clock.Now().UnixNano())
		}
		if !s.ledger.Reply(from, m) {
			s.log.WithFields(logrus.Fields{
				"function": "dispatch",
				"id":       m.ID,
				"kind":     m.Kind,
				"from":     from,
			}).Debug("Ignoring response without pending request")
		}

	case *transport.ServerNotify, *transport.ServerPing, *transport.ServerPong:
		if via.IsValid() || from != s.serverAddr() {
			s.log.WithFields(logrus.Fields{
				"function": "dispatch",
				"type":     msg.Type(),
				"from":     from,
			}).Debug("Ignoring server packet from foreign address")
			return nil
		}
		s.lastRecv.Store(s.clock.Now().UnixNano())
		s.handleServer(msg)

	case *transport.PeerPing:
		s.groups.HandlePing(m, from, via)
	case *transport.PeerPong:
		s.groups.HandlePong(m, from, via)
	case *transport.PeerMessage:
		s.router.HandleMessage(m, from)
	case *transport.PeerAck:
		s.router.HandleAck(m, from)

	case *transport.EndpointData:
		if _, err := s.registry.Dispatch(m, from); err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "dispatch",
				"endpoint": m.ID,
				"sink":     m.Sink,
				"error":    err,
			}).Debug("Endpoint rejected datagram")
		}

	default:
		// ServerRequest and anything else a client has no use for
	}
	return nil
}

func (s *Session) handleServer(msg transport.Message) {
	switch m := msg.(type) {
	case *transport.ServerNotify:
		if s.State() == Connected {
			s.groups.HandleNotify(m)
		}
	case *transport.ServerPing:
		s.pongDue.Store(true)
	}
}

// Send passes every datagram due for transmission to fn: keepalives,
// server requests, handshake traffic, peer messages and the output of the
// registered sources and sinks. Errors from fn do not stop the pump and
// are returned together. Calls must not overlap.
func (s *Session) Send(fn transport.SendFunc) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if fn == nil {
		return ErrNilArgument
	}
	if !s.sending.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer s.sending.Store(false)

	count := func(data []byte, addr netip.AddrPort) error {
		s.metrics.datagramsOut.Inc()
		err := fn(data, addr)
		if err != nil {
			s.metrics.sendErrors.Inc()
		}
		return err
	}

	s.checkServerTimeout()

	var errs error
	server := s.serverAddr()
	if server.IsValid() {
		errs = multierr.Append(errs, s.sendKeepalive(server, count))
	}
	// requests go to the server they were issued for, which is not the
	// current one for a disconnect still pending after a reconnect
	resent := s.ledger.Collect(func(datagram []byte, to netip.AddrPort) {
		if to.IsValid() {
			errs = multierr.Append(errs, count(datagram, to))
		}
	})
	s.metrics.requestResends.Add(float64(resent))

	errs = multierr.Append(errs, s.groups.Send(count))
	errs = multierr.Append(errs, s.router.Send(count))
	errs = multierr.Append(errs, multierr.Combine(s.registry.Send(count)...))
	return errs
}

// sendKeepalive answers server pings and pings the server while
// connected.
func (s *Session) sendKeepalive(server netip.AddrPort, fn transport.SendFunc) error {
	var errs error
	if s.pongDue.Swap(false) {
		errs = multierr.Append(errs, fn(transport.Marshal(&transport.ServerPong{}), server))
	}
	if s.State() != Connected {
		return errs
	}

	s.connMu.Lock()
	interval := s.keepalive.interval
	s.connMu.Unlock()

	now := s.clock.Now()
	if s.lastPing.IsZero() || now.Sub(s.lastPing) >= interval {
		s.lastPing = now
		errs = multierr.Append(errs, fn(transport.Marshal(&transport.ServerPing{}), server))
	}
	return errs
}
