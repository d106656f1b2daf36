package sonobus

import (
	"github.com/sirupsen/logrus"
)

// Run performs the client's housekeeping: it resolves the host of a
// pending connect and detects a silent server. Non-blocking Run does one
// pass; blocking Run repeats it every Options.RunInterval until Quit or
// Close is called.
func (s *Session) Run(blocking bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !blocking {
		s.housekeeping()
		return nil
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer s.running.Store(false)

	s.log.WithFields(logrus.Fields{
		"function": "Run",
		"interval": s.options.RunInterval,
	}).Debug("Run loop started")

	ticker := s.clock.Ticker(s.options.RunInterval)
	defer ticker.Stop()

	for {
		s.housekeeping()
		select {
		case <-s.quit:
			s.log.WithFields(logrus.Fields{
				"function": "Run",
			}).Debug("Run loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Quit stops a blocking Run. It is safe to call from any goroutine; a Quit
// with no Run in progress stops the next blocking Run right away.
func (s *Session) Quit() {
	select {
	case s.quit <- struct{}{}:
	default:
	}
}

func (s *Session) housekeeping() {
	if s.closed.Load() {
		return
	}
	s.resolvePending()
	s.checkServerTimeout()
}
