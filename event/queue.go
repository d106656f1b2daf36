package event

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Itukii/sonobus/queue"
	"github.com/Itukii/sonobus/status"
)

// Handler consumes events. It must not block and must not call back into
// the client that delivers the event.
type Handler func(e Event)

// Mode selects how events reach the handler.
type Mode uint8

const (
	// ModeNone discards events.
	ModeNone Mode = iota
	// ModeImmediate calls the handler on the goroutine producing the event.
	ModeImmediate
	// ModePoll buffers events until PollEvents is called.
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeImmediate:
		return "immediate"
	case ModePoll:
		return "poll"
	}
	return "unknown"
}

var (
	// ErrHandlerSet is returned when the delivery mode was already chosen.
	ErrHandlerSet = status.New(status.ErrInvalidState, "event handler already set")
	// ErrNotPolling is returned by Poll outside poll mode.
	ErrNotPolling = status.New(status.ErrInvalidState, "event queue is not in poll mode")
	// ErrInvalidMode is returned for an unknown mode or a missing handler.
	ErrInvalidMode = status.New(status.ErrInvalidArgument, "invalid event mode")
)

// strategy is one delivery mode.
type strategy interface {
	mode() Mode
	deliver(e Event)
}

type discard struct{}

func (discard) mode() Mode      { return ModeNone }
func (discard) deliver(e Event) {}

type immediate struct {
	handler Handler
}

func (s *immediate) mode() Mode { return ModeImmediate }

func (s *immediate) deliver(e Event) {
	s.handler(e)
}

type buffered struct {
	handler Handler
	events  *queue.MPSC[Event]
	polling atomic.Bool
}

func (s *buffered) mode() Mode { return ModePoll }

func (s *buffered) deliver(e Event) {
	s.events.Push(e)
}

// Queue delivers events with the strategy chosen by SetHandler. Until then
// events are discarded.
type Queue struct {
	log      *logrus.Entry
	current  atomic.Pointer[strategy]
	set      atomic.Bool
	produced atomic.Uint64
}

// NewQueue creates a queue in ModeNone.
func NewQueue() *Queue {
	q := &Queue{log: logrus.NewEntry(logrus.StandardLogger())}
	var s strategy = discard{}
	q.current.Store(&s)
	return q
}

// SetLogger directs log output to log. It must be called before the
// queue is used.
func (q *Queue) SetLogger(log *logrus.Entry) {
	q.log = log
}

// SetHandler selects the delivery mode. It may succeed only once per queue.
func (q *Queue) SetHandler(h Handler, mode Mode) error {
	var s strategy
	switch mode {
	case ModeNone:
		s = discard{}
	case ModeImmediate:
		if h == nil {
			return ErrInvalidMode
		}
		s = &immediate{handler: h}
	case ModePoll:
		if h == nil {
			return ErrInvalidMode
		}
		s = &buffered{handler: h, events: queue.New[Event]()}
	default:
		return ErrInvalidMode
	}

	if !q.set.CompareAndSwap(false, true) {
		return ErrHandlerSet
	}
	q.current.Store(&s)

	q.log.WithFields(logrus.Fields{
		"function": "SetHandler",
		"mode":     mode,
	}).Debug("Event delivery mode selected")
	return nil
}

// Mode returns the delivery mode.
func (q *Queue) Mode() Mode {
	return (*q.current.Load()).mode()
}

// Push delivers or buffers an event. It is safe for concurrent use.
func (q *Queue) Push(e Event) {
	q.produced.Add(1)
	(*q.current.Load()).deliver(e)
}

// Produced returns the number of events pushed so far.
func (q *Queue) Produced() uint64 {
	return q.produced.Load()
}

// Available returns the number of buffered events. It never blocks.
func (q *Queue) Available() int {
	if s, ok := (*q.current.Load()).(*buffered); ok {
		return s.events.Len()
	}
	return 0
}

// Poll dispatches the events buffered when it was called, in production
// order, on the calling goroutine. Events pushed during the drain are left
// for the next call. Overlapping calls fail with status.ErrReentrant.
func (q *Queue) Poll() (int, error) {
	s, ok := (*q.current.Load()).(*buffered)
	if !ok {
		return 0, ErrNotPolling
	}
	if !s.polling.CompareAndSwap(false, true) {
		return 0, status.ErrReentrant
	}
	defer s.polling.Store(false)

	return s.events.Drain(s.events.Len(), func(e Event) {
		s.handler(e)
	}), nil
}
