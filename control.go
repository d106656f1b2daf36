package sonobus

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Itukii/sonobus/group"
	"github.com/Itukii/sonobus/messaging"
	"github.com/Itukii/sonobus/request"
	"github.com/Itukii/sonobus/status"
)

// Control is an in-process control operation passed to Session.Control.
// The set of controls is closed: it is the types of this file.
type Control interface {
	control()
}

// SetServerPing changes the keepalive of the server connection.
type SetServerPing struct {
	Interval time.Duration
	Timeout  time.Duration
}

// SetPeerPing changes the peer handshake settings.
type SetPeerPing struct {
	Config group.Config
}

// SetRelayEnabled turns relay fallback for unreachable peers on or off.
type SetRelayEnabled struct {
	Enabled bool
}

// SetRequestPolicy changes the retransmission of server requests.
type SetRequestPolicy struct {
	Policy request.Policy
}

// SetMessageRetry changes the reliable message settings.
type SetMessageRetry struct {
	Config messaging.Config
}

// GetConnectionState stores the connection state in State.
type GetConnectionState struct {
	State *ConnectionState
}

func (SetServerPing) control()      {}
func (SetPeerPing) control()        {}
func (SetRelayEnabled) control()    {}
func (SetRequestPolicy) control()   {}
func (SetMessageRetry) control()    {}
func (GetConnectionState) control() {}

var errNonPositive = status.New(status.ErrInvalidArgument, "interval must be positive")

// Control applies an in-process control operation.
func (s *Session) Control(ctl Control) error {
	if s.closed.Load() {
		return ErrClosed
	}

	switch c := ctl.(type) {
	case nil:
		return ErrNilArgument
	case SetServerPing:
		if c.Interval <= 0 || c.Timeout <= 0 {
			return errNonPositive
		}
		s.connMu.Lock()
		s.keepalive = keepaliveConfig{interval: c.Interval, timeout: c.Timeout}
		s.connMu.Unlock()
	case SetPeerPing:
		if c.Config.PingInterval <= 0 || c.Config.HandshakeTimeout <= 0 {
			return errNonPositive
		}
		s.groups.SetConfig(c.Config)
	case SetRelayEnabled:
		s.groups.SetRelayEnabled(c.Enabled)
	case SetRequestPolicy:
		if c.Policy.ResendInterval <= 0 {
			return errNonPositive
		}
		s.ledger.SetPolicy(c.Policy)
	case SetMessageRetry:
		if c.Config.RetryInterval <= 0 {
			return errNonPositive
		}
		s.router.SetConfig(c.Config)
	case GetConnectionState:
		if c.State == nil {
			return ErrNilArgument
		}
		*c.State = s.State()
		return nil
	default:
		return fmt.Errorf("%w: control %T", ErrNotImplemented, ctl)
	}

	s.log.WithFields(logrus.Fields{
		"function": "Control",
		"control":  fmt.Sprintf("%T", ctl),
	}).Debug("Control applied")
	return nil
}
