// Package sonobus implements a client for sonobus rendezvous servers.
//
// Audio endpoints use a rendezvous server to find each other: they
// connect, join named groups and learn the addresses of the other group
// members. Audio then flows directly between peers, with a relay as
// fallback when two peers cannot reach each other. This package provides
// the client side of that protocol: the connection state machine, the
// peer directory, asynchronous server requests and the delivery of events
// and peer messages.
//
// # Getting Started
//
// The client owns no socket and starts no goroutines. The application
// pumps received datagrams in with HandleMessage, pulls outgoing ones with
// Send and drives timers with Run:
//
//	options := sonobus.NewOptions()
//	options.EventMode = event.ModePoll
//	options.EventHandler = func(e event.Event) {
//	    log.Printf("event: %s", e.Kind())
//	}
//
//	client, err := sonobus.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Connect("rendezvous.example.com", 10998, "", nil,
//	    func(resp request.Response, err error) {
//	        if err != nil {
//	            log.Printf("connect failed: %v", err)
//	        }
//	    })
//
//	// Network goroutine
//	go func() {
//	    buf := make([]byte, limits.MaxDatagramSize)
//	    for {
//	        n, addr, err := conn.ReadFromUDPAddrPort(buf)
//	        if err != nil {
//	            return
//	        }
//	        client.HandleMessage(buf[:n], addr)
//	    }
//	}()
//
//	// Main loop
//	for {
//	    client.Run(false)
//	    client.Send(func(data []byte, addr netip.AddrPort) error {
//	        _, err := conn.WriteToUDPAddrPort(data, addr)
//	        return err
//	    })
//	    client.PollEvents()
//	    time.Sleep(10 * time.Millisecond)
//	}
//
// # Requests
//
// Connect, Disconnect, JoinGroup, LeaveGroup and SendCustomRequest return
// an error only when the request is rejected locally. An accepted request
// completes exactly once through its callback, also when the connection
// is torn down first; request.Await turns the callback into a channel.
// Server failures arrive as *status.RemoteError.
//
// # Events
//
// Events are delivered in one of two modes, chosen once through Options or
// SetEventHandler. In immediate mode the handler runs on the goroutine that
// produced the event. In poll mode events are queued until PollEvents,
// which delivers the events queued when it was called, in order.
//
// # Concurrency
//
// Three roles may call the client in parallel:
//
//   - The audio path: SendMessage, EventsAvailable, PollEvents and the
//     GetPeerBy lookups. These take no locks.
//   - The network path: HandleMessage and Send. Each may run on its own
//     goroutine but must not overlap with itself.
//   - Control calls: Connect, JoinGroup, Control and the like. These take
//     short internal locks and never wait for the network.
//
// Event handlers and request callbacks run on the goroutine of the call
// that triggered them and must not call back into the client.
//
// # Integration Architecture
//
// This package serves as the main integration point, orchestrating:
//
//   - [directory]: peer directory with lock-free snapshots
//   - [request]: the request ledger and request and response types
//   - [group]: group membership and peer handshakes
//   - [messaging]: peer message routing and reliable delivery
//   - [event]: event types and delivery modes
//   - [av]: registration of audio sources and sinks
//   - [transport]: the wire format
package sonobus
