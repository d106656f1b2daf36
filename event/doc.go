// Package event defines the notifications produced by a sonobus client and
// the queue that delivers them.
//
// The delivery mode is chosen once and never changes:
//
//   - ModeImmediate invokes the handler in-line on whichever goroutine
//     produced the event.
//   - ModePoll buffers events in a lock-free FIFO. Available is a single
//     atomic load, suitable for an audio callback, and Poll drains the
//     events that were queued when it started.
//   - ModeNone drops events.
package event
