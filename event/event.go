package event

import (
	"fmt"
	"time"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/request"
)

// ConnectionState is the state of the connection to the rendezvous server.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Kind tags an event.
type Kind uint8

const (
	KindConnectionStateChanged Kind = iota + 1
	KindDisconnected
	KindGroupJoined
	KindGroupLeft
	KindGroupUpdated
	KindPeerJoined
	KindPeerLeft
	KindPeerUpdated
	KindPeerHandshake
	KindPeerTimeout
	KindMessageReceived
	KindServerMessage
	KindRequestCompleted
	KindError
)

var kindNames = [...]string{
	KindConnectionStateChanged: "connection-state-changed",
	KindDisconnected:           "disconnected",
	KindGroupJoined:            "group-joined",
	KindGroupLeft:              "group-left",
	KindGroupUpdated:           "group-updated",
	KindPeerJoined:             "peer-joined",
	KindPeerLeft:               "peer-left",
	KindPeerUpdated:            "peer-updated",
	KindPeerHandshake:          "peer-handshake",
	KindPeerTimeout:            "peer-timeout",
	KindMessageReceived:        "message-received",
	KindServerMessage:          "server-message",
	KindRequestCompleted:       "request-completed",
	KindError:                  "error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is a notification produced by the client.
type Event interface {
	Kind() Kind
}

// ConnectionStateChanged reports a connection state transition.
type ConnectionStateChanged struct {
	State ConnectionState
}

// Disconnected reports that the connection to the server was lost. Err
// tells why.
type Disconnected struct {
	Err error
}

// GroupJoined reports a successful join.
type GroupJoined struct {
	Group directory.Group
}

// GroupLeft reports that a group was removed. Err is nil for a local leave,
// otherwise it tells why the group went away.
type GroupLeft struct {
	Group directory.Group
	Err   error
}

// GroupUpdated reports new group metadata.
type GroupUpdated struct {
	Group directory.Group
}

type PeerJoined struct {
	Peer directory.Peer
}

type PeerLeft struct {
	Peer directory.Peer
}

type PeerUpdated struct {
	Peer directory.Peer
}

// PeerHandshake reports that a peer is reachable, directly or through a
// relay when Peer.Relayed is set.
type PeerHandshake struct {
	Peer directory.Peer
}

// PeerTimeout reports that a peer could not be reached and relaying is off.
type PeerTimeout struct {
	Peer directory.Peer
}

// MessageReceived carries a message from a peer. Data is owned by the
// receiver.
type MessageReceived struct {
	GroupID   directory.ID
	UserID    directory.ID
	Timestamp time.Time
	Flags     uint32
	Data      []byte
}

// ServerMessage carries a message pushed by the rendezvous server.
type ServerMessage struct {
	Flags uint32
	Data  []byte
}

// RequestCompleted mirrors the completion of a server request.
type RequestCompleted struct {
	ID      uint32
	Request request.Kind
	Err     error
}

// Error reports an asynchronous failure not tied to a request.
type Error struct {
	Err error
}

func (ConnectionStateChanged) Kind() Kind { return KindConnectionStateChanged }
func (Disconnected) Kind() Kind           { return KindDisconnected }
func (GroupJoined) Kind() Kind            { return KindGroupJoined }
func (GroupLeft) Kind() Kind              { return KindGroupLeft }
func (GroupUpdated) Kind() Kind           { return KindGroupUpdated }
func (PeerJoined) Kind() Kind             { return KindPeerJoined }
func (PeerLeft) Kind() Kind               { return KindPeerLeft }
func (PeerUpdated) Kind() Kind            { return KindPeerUpdated }
func (PeerHandshake) Kind() Kind          { return KindPeerHandshake }
func (PeerTimeout) Kind() Kind            { return KindPeerTimeout }
func (MessageReceived) Kind() Kind        { return KindMessageReceived }
func (ServerMessage) Kind() Kind          { return KindServerMessage }
func (RequestCompleted) Kind() Kind       { return KindRequestCompleted }
func (Error) Kind() Kind                  { return KindError }
