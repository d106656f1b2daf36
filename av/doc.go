// Package av keeps track of the audio endpoints attached to a sonobus
// client.
//
// Sources and sinks are created and owned by the caller. The registry only
// binds each handle to an id that is unique among endpoints of its kind, so
// that inbound source and sink datagrams can be routed by id and every
// endpoint gets its turn when the client sends:
//
//	reg := av.NewRegistry()
//	if err := reg.AddSource(src, 1); err != nil {
//	    return err
//	}
//	defer reg.RemoveSource(src)
//
// Endpoints implementing AddressObserver are told when a peer's address
// changes.
package av
