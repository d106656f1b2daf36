// Package group implements group membership for a sonobus client.
//
// The Manager turns join and leave calls into server requests tracked by
// the request ledger, publishes the resulting groups and peers to the peer
// directory and emits the matching events. Server notifications about
// peers joining, leaving or changing are applied the same way.
//
// # Peer handshake
//
// Every new peer is probed by pinging each of its candidate addresses. The
// first ping or pong received directly from the peer fixes its address.
// Peers that stay silent for Config.HandshakeTimeout are reached through a
// relay instead: the peer's own relay if it offers one, otherwise the
// group relay, otherwise the rendezvous server. When relaying is disabled
// they are reported with an event.PeerTimeout.
//
// Example:
//
//	err := mgr.Join(request.Join{GroupName: "studio", UserName: "alice"},
//	    func(resp request.Response, err error) {
//	        if err != nil {
//	            log.Printf("join failed: %v", err)
//	            return
//	        }
//	        log.Printf("joined as user %d", resp.(*request.JoinResponse).UserID)
//	    })
package group
