// Package messaging implements the sonobus message router.
//
// Messages are addressed to a group and a user, either of which may be the
// directory.InvalidID wildcard. SendMessage copies the payload into a
// lock-free queue and returns immediately, so it may be called from an
// audio callback. Targets are resolved against the peer directory when the
// network goroutine calls Send:
//
//	router.SendMessage(groupID, directory.InvalidID, []byte("cue"), time.Time{}, messaging.FlagReliable)
//	...
//	err := router.Send(sendFn) // one datagram per matching peer
//
// A message with a future timestamp is held until that time. Sending to a
// group without members is not an error.
//
// Reliable messages carry a per-peer sequence number. Receivers
// acknowledge them and drop duplicates; senders retransmit until
// acknowledged or until Config.MaxRetries is exceeded, in which case an
// event.Error wrapping ErrMessageDropped is emitted.
package messaging
