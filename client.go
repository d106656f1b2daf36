package sonobus

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Itukii/sonobus/av"
	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/group"
	"github.com/Itukii/sonobus/messaging"
	"github.com/Itukii/sonobus/request"
	"github.com/Itukii/sonobus/status"
	"github.com/Itukii/sonobus/transport"
)

// ProtocolVersion is announced to the rendezvous server on connect.
const ProtocolVersion = "sonobus/1"

// ConnectionState is the state of the connection to the rendezvous server.
type ConnectionState = event.ConnectionState

const (
	Disconnected = event.StateDisconnected
	Connecting   = event.StateConnecting
	Connected    = event.StateConnected
)

// Resolver resolves a server host name.
type Resolver func(ctx context.Context, host string) ([]netip.Addr, error)

// Options contains configuration options for creating a client.
type Options struct {
	// Logger receives the client's log output. Nil means the logrus
	// standard logger.
	Logger *logrus.Logger

	// Clock drives timers and timestamps. Nil means the wall clock.
	Clock clock.Clock

	// Registerer receives the client metrics. Nil disables registration.
	Registerer prometheus.Registerer

	// EventHandler and EventMode select event delivery at construction.
	// Leave EventMode at event.ModeNone to choose later with
	// SetEventHandler.
	EventHandler event.Handler
	EventMode    event.Mode

	// Version is announced to the server on connect.
	Version string

	// ServerPingInterval is the keepalive interval while connected.
	ServerPingInterval time.Duration
	// ServerTimeout is the silence after which the connection is lost.
	ServerTimeout time.Duration

	RequestPolicy request.Policy
	Handshake     group.Config
	MessageRetry  messaging.Config
	RelayEnabled  bool

	// RunInterval is the housekeeping period of a blocking Run.
	RunInterval time.Duration

	// Host name resolution.
	Resolver       Resolver
	ResolveTimeout time.Duration
	HostCacheSize  int
	HostCacheTTL   time.Duration
}

// NewOptions creates a new Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Logger:             logrus.StandardLogger(),
		Clock:              clock.New(),
		Version:            ProtocolVersion,
		ServerPingInterval: 5 * time.Second,
		ServerTimeout:      20 * time.Second,
		RequestPolicy:      request.DefaultPolicy(),
		Handshake:          group.DefaultConfig(),
		MessageRetry:       messaging.DefaultConfig(),
		RelayEnabled:       true,
		RunInterval:        10 * time.Millisecond,
		Resolver:           lookupHost,
		ResolveTimeout:     5 * time.Second,
		HostCacheSize:      64,
		HostCacheTTL:       5 * time.Minute,
	}
}

func lookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

func (o *Options) validate() error {
	switch {
	case o.ServerPingInterval <= 0, o.ServerTimeout <= 0, o.RunInterval <= 0:
		return status.New(status.ErrInvalidArgument, "intervals must be positive")
	case o.RequestPolicy.ResendInterval <= 0:
		return status.New(status.ErrInvalidArgument, "request resend interval must be positive")
	case o.Handshake.PingInterval <= 0 || o.Handshake.HandshakeTimeout <= 0:
		return status.New(status.ErrInvalidArgument, "handshake intervals must be positive")
	case o.MessageRetry.RetryInterval <= 0:
		return status.New(status.ErrInvalidArgument, "message retry interval must be positive")
	case o.HostCacheSize <= 0:
		return status.New(status.ErrInvalidArgument, "host cache size must be positive")
	}
	return nil
}

// Client is the public surface of a sonobus client. It is implemented by
// *Session.
//
// Handlers and callbacks invoked from HandleMessage, Send, PollEvents or a
// request completion must not call back into the client.
type Client interface {
	Run(blocking bool) error
	Quit()
	Close() error

	AddSource(src av.Source, id int32) error
	RemoveSource(src av.Source) error
	AddSink(sink av.Sink, id int32) error
	RemoveSink(sink av.Sink) error

	Connect(host string, port int, password string, metadata []byte, cb request.Callback) error
	Disconnect(cb request.Callback) error
	State() ConnectionState

	JoinGroup(req request.Join, cb request.Callback) error
	LeaveGroup(id directory.ID, cb request.Callback) error

	GetPeerByName(group, user string) (netip.AddrPort, error)
	GetPeerByID(group, user directory.ID) (netip.AddrPort, error)
	GetPeerByAddress(addr netip.AddrPort, groupName, userName *directory.NameBuffer) (directory.ID, directory.ID, error)

	SendMessage(group, user directory.ID, data []byte, ts time.Time, flags messaging.Flags) error

	HandleMessage(data []byte, addr netip.AddrPort) error
	Send(fn transport.SendFunc) error

	SetEventHandler(h event.Handler, mode event.Mode) error
	EventsAvailable() bool
	PollEvents() error

	SendRequest(req request.Request, cb request.Callback) error
	SendCustomRequest(data []byte, flags uint32, cb request.Callback) error
	Control(ctl Control) error
}

var _ Client = (*Session)(nil)

// Session is a client of one rendezvous server.
type Session struct {
	// Core components
	options  *Options
	log      *logrus.Entry
	clock    clock.Clock
	dir      *directory.Directory
	ledger   *request.Ledger
	groups   *group.Manager
	router   *messaging.Router
	events   *event.Queue
	registry *av.Registry
	hosts    *expirable.LRU[string, netip.Addr]
	metrics  *metrics
	token    []byte

	// Connection
	connMu    sync.Mutex
	gen       uint64
	resolving *connectAttempt
	clientID  directory.ID
	keepalive keepaliveConfig
	state     atomic.Int32
	server    atomic.Pointer[netip.AddrPort]
	lastRecv  atomic.Int64
	pongDue   atomic.Bool

	// owned by Send
	lastPing time.Time

	// State
	receiving atomic.Bool
	sending   atomic.Bool
	running   atomic.Bool
	closed    atomic.Bool
	quit      chan struct{}
}

type keepaliveConfig struct {
	interval time.Duration
	timeout  time.Duration
}

// New creates a new client with the given options. Nil options mean
// NewOptions().
func New(options *Options) (*Session, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Resolver == nil {
		options.Resolver = lookupHost
	}

	id := uuid.New()
	s := &Session{
		options:  options,
		clock:    options.Clock,
		dir:      directory.New(),
		events:   event.NewQueue(),
		registry: av.NewRegistry(),
		hosts:    expirable.NewLRU[string, netip.Addr](options.HostCacheSize, nil, options.HostCacheTTL),
		token:    id[:],
		clientID: directory.InvalidID,
		keepalive: keepaliveConfig{
			interval: options.ServerPingInterval,
			timeout:  options.ServerTimeout,
		},
		quit: make(chan struct{}, 1),
	}
	s.log = options.Logger.WithField("session", id.String()[:8])
	s.server.Store(&netip.AddrPort{})
	s.metrics = newMetrics(s)

	s.ledger = request.NewLedger(s.clock, options.RequestPolicy)
	s.ledger.SetObserver(s.requestCompleted)
	s.groups = group.NewManager(s.clock, s.dir, s.ledger, s.emit, s.serverAddr, options.Handshake)
	s.groups.SetRelayEnabled(options.RelayEnabled)
	s.router = messaging.NewRouter(s.clock, s.dir, s.emit, options.MessageRetry)

	s.ledger.SetLogger(s.log)
	s.groups.SetLogger(s.log)
	s.router.SetLogger(s.log)
	s.events.SetLogger(s.log)
	s.registry.SetLogger(s.log)

	if options.EventMode != event.ModeNone {
		if err := s.events.SetHandler(options.EventHandler, options.EventMode); err != nil {
			return nil, err
		}
	}

	if options.Registerer != nil {
		if err := s.metrics.register(options.Registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"function": "New",
		"version":  options.Version,
		"relay":    options.RelayEnabled,
	}).Info("Client created")
	return s, nil
}

// Close stops a blocking Run, aborts pending requests, drops all groups
// and unregisters the metrics. Further calls on the client fail with
// ErrClosed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.Quit()

	s.connMu.Lock()
	s.gen++
	attempt := s.resolving
	s.resolving = nil
	prev := s.setState(Disconnected)
	s.connMu.Unlock()

	if attempt != nil {
		attempt.fail(ErrConnectionClosed)
	}
	s.teardown(ErrConnectionClosed)
	if prev != Disconnected {
		s.emit(event.ConnectionStateChanged{State: Disconnected})
	}

	if s.options.Registerer != nil {
		s.metrics.unregister(s.options.Registerer)
	}

	s.log.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Client closed")
	return nil
}

// emit is the single sink for events of all components. It keeps the
// router and the endpoints in step with the directory before the event is
// delivered.
func (s *Session) emit(e event.Event) {
	switch e := e.(type) {
	case event.PeerLeft:
		s.router.ForgetPeer(e.Peer.Key())
	case event.GroupLeft:
		s.router.ForgetGroup(e.Group.ID)
	case event.PeerHandshake:
		s.registry.NotifyAddress(e.Peer.GroupID, e.Peer.UserID, e.Peer.Address, e.Peer.Relayed)
	case event.Error:
		s.log.WithFields(logrus.Fields{
			"function": "emit",
			"error":    e.Err,
		}).Warn("Asynchronous error")
	}
	s.metrics.events.WithLabelValues(e.Kind().String()).Inc()
	s.events.Push(e)
}

func (s *Session) requestCompleted(id uint32, kind request.Kind, err error) {
	s.emit(event.RequestCompleted{ID: id, Request: kind, Err: err})
}

// SetEventHandler selects how events are delivered. The mode can be chosen
// once, here or through Options.
func (s *Session) SetEventHandler(h event.Handler, mode event.Mode) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.events.SetHandler(h, mode)
}

// EventsAvailable reports whether PollEvents has events to deliver. It
// never blocks.
func (s *Session) EventsAvailable() bool {
	return s.events.Available() > 0
}

// PollEvents delivers the events queued when it was called, in order, on
// the calling goroutine.
func (s *Session) PollEvents() error {
	_, err := s.events.Poll()
	return err
}

// AddSource registers a local audio source under id.
func (s *Session) AddSource(src av.Source, id int32) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.registry.AddSource(src, id)
}

// RemoveSource unregisters a source.
func (s *Session) RemoveSource(src av.Source) error {
	return s.registry.RemoveSource(src)
}

// AddSink registers a local audio sink under id.
func (s *Session) AddSink(sink av.Sink, id int32) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.registry.AddSink(sink, id)
}

// RemoveSink unregisters a sink.
func (s *Session) RemoveSink(sink av.Sink) error {
	return s.registry.RemoveSink(sink)
}
