package request

import (
	"net/netip"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/transport"
)

// Kind tags a request and its response.
type Kind = transport.RequestKind

const (
	KindConnect    = transport.RequestConnect
	KindDisconnect = transport.RequestDisconnect
	KindJoin       = transport.RequestJoinGroup
	KindLeave      = transport.RequestLeaveGroup
	KindCustom     = transport.RequestCustom
)

// Request is a tagged request to the rendezvous server. The client accepts
// the request types of this package; any other implementation is rejected
// as not implemented.
type Request interface {
	Kind() Kind
}

// Connect opens the connection to a rendezvous server.
type Connect struct {
	Host     string
	Port     int
	Password string
	Metadata []byte
}

// Disconnect closes the connection.
type Disconnect struct{}

// Join joins a group, creating it on the server if needed.
type Join struct {
	GroupName     string
	GroupPassword string
	GroupMetadata []byte
	UserName      string
	UserPassword  string
	UserMetadata  []byte
	// RelayAddress is an optional relay the local user offers to the group.
	RelayAddress netip.AddrPort
}

// Leave leaves a joined group.
type Leave struct {
	GroupID directory.ID
}

// Custom carries an application-defined request.
type Custom struct {
	Data  []byte
	Flags uint32
}

func (*Connect) Kind() Kind    { return KindConnect }
func (*Disconnect) Kind() Kind { return KindDisconnect }
func (*Join) Kind() Kind       { return KindJoin }
func (*Leave) Kind() Kind      { return KindLeave }
func (*Custom) Kind() Kind     { return KindCustom }

// Response is the tagged reply payload delivered to a Callback.
type Response interface {
	Kind() Kind
}

type ConnectResponse struct {
	ClientID directory.ID
	Metadata []byte
}

type DisconnectResponse struct{}

type JoinResponse struct {
	GroupID         directory.ID
	UserID          directory.ID
	GroupMetadata   []byte
	UserMetadata    []byte
	PrivateMetadata []byte
	RelayAddress    netip.AddrPort
	// Peers already in the group when it was joined.
	Peers []directory.Peer
}

type LeaveResponse struct {
	GroupID directory.ID
}

type CustomResponse struct {
	Data  []byte
	Flags uint32
}

func (*ConnectResponse) Kind() Kind    { return KindConnect }
func (*DisconnectResponse) Kind() Kind { return KindDisconnect }
func (*JoinResponse) Kind() Kind       { return KindJoin }
func (*LeaveResponse) Kind() Kind      { return KindLeave }
func (*CustomResponse) Kind() Kind     { return KindCustom }

// Callback receives the outcome of a request exactly once. On failure resp
// is nil.
type Callback func(resp Response, err error)

// Result is a completed request.
type Result struct {
	Response Response
	Err      error
}

// Await returns a callback that delivers its outcome on the returned
// channel. The channel is buffered and never blocks the caller of the
// callback.
func Await() (Callback, <-chan Result) {
	ch := make(chan Result, 1)
	return func(resp Response, err error) {
		ch <- Result{Response: resp, Err: err}
	}, ch
}
