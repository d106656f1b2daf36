// Package testing provides an in-memory datagram network and a simulated
// rendezvous server for deterministic tests of sonobus clients.
//
// # Overview
//
// Network queues every datagram handed to a node's send function and
// delivers them only when the test calls Flush, on the test goroutine.
// Together with a mock clock this makes multi-client scenarios fully
// reproducible: nothing happens between two steps of a test.
//
// Server implements the server side of the rendezvous protocol with
// in-memory clients and groups. It answers connect, disconnect, join,
// leave and custom requests, notifies group members about joins and
// leaves, answers keepalive pings and forwards relay packets.
//
// # Usage
//
//	net := testing.NewNetwork()
//	server := testing.NewServer(serverAddr, net.SendFunc(serverAddr))
//	net.Attach(serverAddr, server)
//
//	client, _ := sonobus.New(options)
//	net.Attach(clientAddr, client)
//
//	client.Connect(serverAddr.Addr().String(), int(serverAddr.Port()), "", nil, cb)
//	client.Send(net.SendFunc(clientAddr))
//	net.Flush(8)
//
// Delivery records can be inspected with Deliveries and CountDelivered.
// SetFilter drops selected datagrams, for instance to simulate peers that
// cannot reach each other directly.
package testing
