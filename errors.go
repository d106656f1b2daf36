package sonobus

import (
	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/status"
	"github.com/Itukii/sonobus/transport"
)

var (
	// ErrClosed is returned by every call on a closed client.
	ErrClosed = status.New(status.ErrInvalidState, "client closed")

	// ErrAlreadyConnected is returned by Connect while connected.
	ErrAlreadyConnected = status.New(status.ErrInvalidState, "already connected")

	// ErrConnectInProgress is returned by Connect while a connect is pending.
	ErrConnectInProgress = status.New(status.ErrInvalidState, "connect already in progress")

	// ErrNotConnected is returned by calls that need a server connection.
	ErrNotConnected = status.New(status.ErrInvalidState, "not connected")

	// ErrConnectionClosed resolves requests aborted by a disconnect.
	ErrConnectionClosed = status.New(status.ErrConnectionClosed, "connection closed")

	// ErrConnectionLost resolves requests aborted because the server stopped
	// answering. It is also carried by the event.Disconnected event.
	ErrConnectionLost = status.New(status.ErrConnectionClosed, "connection to server lost")

	// ErrHostResolution resolves a connect request whose host name could
	// not be resolved.
	ErrHostResolution = status.New(status.ErrRemote, "cannot resolve server host")

	// ErrInvalidHost and ErrInvalidPort reject malformed server addresses.
	ErrInvalidHost = status.New(status.ErrInvalidArgument, "invalid host")
	ErrInvalidPort = status.New(status.ErrInvalidArgument, "invalid port")

	// ErrNilArgument rejects a missing required argument.
	ErrNilArgument = status.New(status.ErrInvalidArgument, "nil argument")

	// ErrNotImplemented is returned for request or control kinds this
	// client does not know.
	ErrNotImplemented = status.New(status.ErrNotImplemented, "not implemented")

	// ErrPeerNotFound is returned by the peer lookups.
	ErrPeerNotFound = directory.ErrPeerNotFound

	// ErrBufferTooSmall is returned by GetPeerByAddress when a name buffer
	// cannot hold its name. The required size is reported in the buffer.
	ErrBufferTooSmall = directory.ErrBufferTooSmall

	// ErrMalformed is returned by HandleMessage for undecodable datagrams.
	ErrMalformed = transport.ErrMalformed

	// ErrReentrant is returned when a network path call or PollEvents
	// overlaps a running call of the same kind.
	ErrReentrant = status.ErrReentrant
)
